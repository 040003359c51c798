package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream2dvr/work/config"
)

func TestCustomResponseWriterDefaultsOnFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	n, err := crw.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "body", rec.Body.String())
}

func TestCustomResponseWriterIgnoresRepeatedWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	crw.WriteHeader(http.StatusAccepted)
	crw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, crw.WroteHeader)
}

func TestGetSetsUpstreamHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(&config.Config{UserAgent: "test-agent"})
	resp, err := hsc.Get(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "*/*", gotAccept)
}

func TestGetHonorsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(&config.Config{UserAgent: "test-agent"})
	_, err := hsc.Get(context.Background(), srv.URL, 20*time.Millisecond)
	assert.Error(t, err)
}
