package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"stream2dvr/work/utils"
)

// Config holds all application configuration values for the tuner emulator.
// It covers the upstream provider account, the configured stations (one
// virtual tuner device per geographic market), cache TTLs, stream/session
// behavior, and the emulated device identity strings.
type Config struct {
	BindAddress     string          `json:"bindAddress"`     // Address the HTTP servers bind to
	Port            int             `json:"port"`            // Base port; station i listens on Port+i (shifted by one when multiplexing)
	Username        string          `json:"username"`        // Upstream provider account username
	Password        string          `json:"password"`        // Upstream provider account password
	APIBaseURL      string          `json:"apiBaseURL"`      // Upstream provider API base URL
	UserAgent       string          `json:"userAgent"`       // User-Agent sent on upstream requests
	Stations        []StationConfig `json:"stations"`        // Configured markets, one virtual tuner each
	ChannelTTL      time.Duration   `json:"channelTTL"`      // Lineup refresh interval (minutes-scale)
	GuideTTL        time.Duration   `json:"guideTTL"`        // Guide refresh interval (hours-scale)
	GuideDays       int             `json:"guideDays"`       // Days of guide data requested from the provider
	TokenLifetime   time.Duration   `json:"tokenLifetime"`   // How long a login token stays valid upstream
	UpstreamTimeout time.Duration   `json:"upstreamTimeout"` // Timeout for provider API calls
	MaxRetries      int             `json:"maxRetries"`      // Upstream retry attempts before giving up
	RetryDelay      time.Duration   `json:"retryDelay"`      // Initial backoff between upstream retries (doubles)
	RateLimit       int             `json:"rateLimit"`       // Upstream API requests per second
	MatchThreshold  float64         `json:"matchThreshold"`  // Guide reconciliation similarity cutoff (0..1)
	TunerCount      int             `json:"tunerCount"`      // Default tuner slots per station
	Multiplex       bool            `json:"multiplex"`       // Merge all stations behind one device on the base port
	Remap           bool            `json:"remap"`           // Renumber multiplexed channels to number+100*station
	RemapFile       string          `json:"remapFile"`       // Optional channel remap overrides (the /map.json shape)
	DeviceModel     string          `json:"deviceModel"`     // Emulated tuner model number
	DeviceFirmware  string          `json:"deviceFirmware"`  // Emulated firmware name
	DeviceVersion   string          `json:"deviceVersion"`   // Emulated firmware version string
	DeviceDBPath    string          `json:"deviceDBPath"`    // SQLite file persisting device UUIDs across restarts
	CacheEnabled    bool            `json:"cacheEnabled"`    // Whether rendered-document caching is enabled
	CacheDuration   time.Duration   `json:"cacheDuration"`   // TTL for rendered XMLTV/M3U bodies
	SessionTimeout  time.Duration   `json:"sessionTimeout"`  // Idle time before a playlist-mode stream session frees its slot
	WorkerThreads   int             `json:"workerThreads"`   // Worker pool size for refresh jobs
	SSDPEnabled     bool            `json:"ssdpEnabled"`     // Announce tuners over SSDP on UDP 1900
	LogLevel        string          `json:"logLevel"`        // debug, info, warn or error
	ObfuscateUrls   bool            `json:"obfuscateUrls"`   // Obfuscate tokened URLs in logs
}

// StationConfig describes one configured market. Loaded once at startup and
// never mutated; the station registry owns the resulting entries for the
// process lifetime.
type StationConfig struct {
	Market       string  `json:"market"`       // Stable market identifier, keys the device UUID
	FriendlyName string  `json:"friendlyName"` // Device name shown by DVR clients; defaults to the provider's market name
	ZipCode      string  `json:"zipCode"`      // Zip/postal override for region-locked content
	Latitude     float64 `json:"latitude"`     // Coordinate override; used when ZipCode is empty
	Longitude    float64 `json:"longitude"`
	TunerCount   int     `json:"tunerCount"` // Concurrent stream slots; 0 falls back to the global default
}

// ConfigFile represents the JSON file structure for unmarshaling the config.
// Duration fields (e.g. "30m") are strings here and parsed into
// time.Duration during conversion.
type ConfigFile struct {
	BindAddress     string          `json:"bindAddress"`
	Port            int             `json:"port"`
	Username        string          `json:"username"`
	Password        string          `json:"password"`
	APIBaseURL      string          `json:"apiBaseURL"`
	UserAgent       string          `json:"userAgent"`
	Stations        []StationConfig `json:"stations"`
	ChannelTTL      string          `json:"channelTTL"`      // Duration string (e.g. "10m")
	GuideTTL        string          `json:"guideTTL"`        // Duration string (e.g. "6h")
	GuideDays       int             `json:"guideDays"`
	TokenLifetime   string          `json:"tokenLifetime"`   // Duration string (e.g. "1h")
	UpstreamTimeout string          `json:"upstreamTimeout"` // Duration string (e.g. "30s")
	MaxRetries      int             `json:"maxRetries"`
	RetryDelay      string          `json:"retryDelay"` // Duration string (e.g. "2s")
	RateLimit       int             `json:"rateLimit"`
	MatchThreshold  float64         `json:"matchThreshold"`
	TunerCount      int             `json:"tunerCount"`
	Multiplex       bool            `json:"multiplex"`
	Remap           bool            `json:"remap"`
	RemapFile       string          `json:"remapFile"`
	DeviceModel     string          `json:"deviceModel"`
	DeviceFirmware  string          `json:"deviceFirmware"`
	DeviceVersion   string          `json:"deviceVersion"`
	DeviceDBPath    string          `json:"deviceDBPath"`
	CacheEnabled    bool            `json:"cacheEnabled"`
	CacheDuration   string          `json:"cacheDuration"` // Duration string (e.g. "30m")
	SessionTimeout  string          `json:"sessionTimeout"`
	WorkerThreads   int             `json:"workerThreads"`
	SSDPEnabled     *bool           `json:"ssdpEnabled"` // pointer so an absent key defaults to on
	LogLevel        string          `json:"logLevel"`
	ObfuscateUrls   bool            `json:"obfuscateUrls"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// defaultConfigPath is where the container build mounts the settings volume
const defaultConfigPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from /settings/config.json (CONFIG_PATH overrides).
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := defaultConfigPath
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
//
// Parameters:
//   - path: path to JSON config file
//
// Returns:
//   - *Config: parsed configuration
//   - error: if reading/parsing failed
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BindAddress:    cf.BindAddress,
		Port:           cf.Port,
		Username:       cf.Username,
		Password:       cf.Password,
		APIBaseURL:     cf.APIBaseURL,
		UserAgent:      cf.UserAgent,
		Stations:       cf.Stations,
		GuideDays:      cf.GuideDays,
		MaxRetries:     cf.MaxRetries,
		RateLimit:      cf.RateLimit,
		MatchThreshold: cf.MatchThreshold,
		TunerCount:     cf.TunerCount,
		Multiplex:      cf.Multiplex,
		Remap:          cf.Remap,
		RemapFile:      cf.RemapFile,
		DeviceModel:    cf.DeviceModel,
		DeviceFirmware: cf.DeviceFirmware,
		DeviceVersion:  cf.DeviceVersion,
		DeviceDBPath:   cf.DeviceDBPath,
		CacheEnabled:   cf.CacheEnabled,
		WorkerThreads:  cf.WorkerThreads,
		SSDPEnabled:    cf.SSDPEnabled == nil || *cf.SSDPEnabled,
		LogLevel:       cf.LogLevel,
		ObfuscateUrls:  cf.ObfuscateUrls,
	}

	// Parse duration fields; empty strings take the validated defaults
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.ChannelTTL, &config.ChannelTTL, "channelTTL"},
		{cf.GuideTTL, &config.GuideTTL, "guideTTL"},
		{cf.TokenLifetime, &config.TokenLifetime, "tokenLifetime"},
		{cf.UpstreamTimeout, &config.UpstreamTimeout, "upstreamTimeout"},
		{cf.RetryDelay, &config.RetryDelay, "retryDelay"},
		{cf.CacheDuration, &config.CacheDuration, "cacheDuration"},
		{cf.SessionTimeout, &config.SessionTimeout, "sessionTimeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BindAddress:     "0.0.0.0",
		Port:            6077,
		UserAgent:       "Mozilla/5.0 (compatible; stream2dvr)",
		ChannelTTL:      10 * time.Minute,
		GuideTTL:        6 * time.Hour,
		GuideDays:       2,
		TokenLifetime:   1 * time.Hour,
		UpstreamTimeout: 30 * time.Second,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		RateLimit:       10,
		MatchThreshold:  0.8,
		TunerCount:      3,
		DeviceModel:     "HDHR3-US",
		DeviceFirmware:  "hdhomerun3_atsc",
		DeviceVersion:   "20170612",
		DeviceDBPath:    "/settings/devices.db",
		CacheEnabled:    true,
		CacheDuration:   30 * time.Minute,
		SessionTimeout:  60 * time.Second,
		WorkerThreads:   8,
		SSDPEnabled:     true,
		LogLevel:        "info",
		Stations:        []StationConfig{},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BindAddress == "" {
		config.BindAddress = "0.0.0.0"
	}
	if config.Port <= 0 {
		config.Port = 6077
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (compatible; stream2dvr)"
	}
	if config.ChannelTTL <= 0 {
		config.ChannelTTL = 10 * time.Minute
	}
	if config.GuideTTL <= 0 {
		config.GuideTTL = 6 * time.Hour
	}
	if config.GuideDays <= 0 {
		config.GuideDays = 2
	}
	if config.TokenLifetime <= 0 {
		config.TokenLifetime = 1 * time.Hour
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}
	if config.MatchThreshold <= 0 || config.MatchThreshold > 1 {
		config.MatchThreshold = 0.8
	}
	if config.TunerCount <= 0 {
		config.TunerCount = 3
	}
	if config.DeviceModel == "" {
		config.DeviceModel = "HDHR3-US"
	}
	if config.DeviceFirmware == "" {
		config.DeviceFirmware = "hdhomerun3_atsc"
	}
	if config.DeviceVersion == "" {
		config.DeviceVersion = "20170612"
	}
	if config.DeviceDBPath == "" {
		config.DeviceDBPath = "/settings/devices.db"
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Minute
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 60 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	// Validate each station
	for i := range config.Stations {
		st := &config.Stations[i]
		if st.Market == "" && st.ZipCode != "" {
			st.Market = st.ZipCode
		}
		if st.TunerCount <= 0 {
			st.TunerCount = config.TunerCount
		}
	}
}

// Missing returns the names of required fields that are not set. The engine
// can start without them (empty lineups, no auth) but startup logs the gaps.
func (c *Config) Missing() []string {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.APIBaseURL == "" {
		missing = append(missing, "apiBaseURL")
	}
	if len(c.Stations) == 0 {
		missing = append(missing, "stations")
	}
	return missing
}

// Masked returns a copy of the config safe for the /config endpoint:
// the provider password is replaced with a fixed mask unless showPassword
// is set (the original exposes it via ?show_password).
func (c *Config) Masked(showPassword bool) Config {
	out := *c
	if !showPassword {
		out.Password = utils.MaskSecret(out.Password)
	}
	return out
}

// StationPort returns the listen port for station index i, accounting for
// the multiplexer occupying the base port when enabled.
func (c *Config) StationPort(i int) int {
	if c.Multiplex {
		return c.Port + 1 + i
	}
	return c.Port + i
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BindAddress:     "0.0.0.0",
		Port:            6077,
		Username:        "you@example.com",
		Password:        "secret",
		APIBaseURL:      "https://api.example.com/api",
		Stations: []StationConfig{
			{
				Market:       "chicago",
				FriendlyName: "Chicago Antenna",
				ZipCode:      "60601",
				TunerCount:   3,
			},
			{
				Market:     "90210",
				ZipCode:    "90210",
				TunerCount: 2,
			},
		},
		ChannelTTL:      "10m",
		GuideTTL:        "6h",
		GuideDays:       2,
		TokenLifetime:   "1h",
		UpstreamTimeout: "30s",
		MaxRetries:      3,
		RetryDelay:      "2s",
		RateLimit:       10,
		MatchThreshold:  0.8,
		TunerCount:      3,
		Multiplex:       false,
		Remap:           false,
		DeviceDBPath:    "/settings/devices.db",
		CacheEnabled:    true,
		CacheDuration:   "30m",
		SessionTimeout:  "60s",
		WorkerThreads:   8,
		LogLevel:        "info",
		ObfuscateUrls:   true,
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
