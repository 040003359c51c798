package utils

import (
	"net/http"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging.
// Watch and segment URLs carry upstream auth tokens in the query string, so
// anything headed for the log goes through here.
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host but hides path, query and fragment
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// AbsoluteURL resolves a possibly-relative playlist reference against the
// URL of the playlist it came from.
func AbsoluteURL(playlistURL, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

// RequestHost returns the host:port the client used to reach us, preferring
// the proxy-forwarded host when present. Discovery responses embed this back
// into BaseURL and LineupURL so the DVR talks to the address it can actually
// reach.
func RequestHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		return fwd
	}
	return r.Host
}

// MaskSecret replaces a credential with the fixed mask used by the config
// inspection endpoint.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "*******"
}
