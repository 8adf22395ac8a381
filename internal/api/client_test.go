package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/manifest"
)

var secondary = &manifest.Target{Kind: manifest.Secondary, SemanticVersion: "1.4.2", VersionCode: 3}

func newClient(t *testing.T, server *httptest.Server) (*Client, Session) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := New(Config{
		ServerURL:       server.URL,
		MAC:             "AA:BB:CC:00:11:22",
		DeviceType:      "GATEWAY",
		FirmwareVersion: "3.0.1",
		Timeout:         time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
	}, logger)
	base, err := url.Parse(server.URL)
	require.NoError(t, err)
	return c, Session{BaseURL: base, UpdateID: 42}
}

func TestFetchManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ReleasePath, r.URL.Path)
		assert.Equal(t, "AA:BB:CC:00:11:22", r.URL.Query().Get("mac"))
		assert.Equal(t, "42", r.URL.Query().Get("otaId"))
		assert.Equal(t, "GATEWAY/3.0.1", r.UserAgent())
		w.Write([]byte(`{"otaId":42}`))
	}))
	defer server.Close()

	c, _ := newClient(t, server)
	data, err := c.FetchManifest(context.Background(), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"otaId":42}`, string(data))
}

func TestFetchManifest_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := newClient(t, server)
	_, err := c.FetchManifest(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transport))

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestFetchChunk(t *testing.T) {
	payload := []byte(":10000000000102030405060708090A0B0C0D0E0F78\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, DownloadPath, r.URL.Path)
		assert.Equal(t, "3", q.Get("mcu2.vc"))
		assert.Equal(t, "1.4.2", q.Get("mcu2.version"))
		assert.Equal(t, "5", q.Get("mcu2.fileNo"))
		assert.Equal(t, "mega/5.hex", q.Get("mcu2.filepath"))
		w.Write(payload)
	}))
	defer server.Close()

	c, s := newClient(t, server)
	buf := make([]byte, 128)
	n, err := c.FetchChunk(context.Background(), s, secondary, manifest.Chunk{Index: 5, Path: "mega/5.hex"}, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	small := make([]byte, 8)
	_, err = c.FetchChunk(context.Background(), s, secondary, manifest.Chunk{Index: 5, Path: "mega/5.hex"}, small)
	assert.True(t, fault.Is(err, fault.Capacity), "err = %v", err)
}

func TestFetchChunk_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c, s := newClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.FetchChunk(ctx, s, secondary, manifest.Chunk{Index: 0, Path: "p"}, make([]byte, 16))
	assert.True(t, fault.IsTimeout(err), "err = %v", err)
}

func TestPostChunkResult_Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DownloadPath, r.URL.Path)
		assert.Equal(t, "failure", r.PostForm.Get("mcu2.result"))
		assert.Equal(t, "6", r.PostForm.Get("mcu2.fileNo"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	c, s := newClient(t, server)
	err := c.PostChunkResult(context.Background(), s, secondary, manifest.Chunk{Index: 6, Path: "mega/6.hex"}, Failure)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostUpdateResult(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, FinishPath, r.URL.Path)
		assert.Equal(t, "success", r.URL.Query().Get("mcu1.result"))
		assert.Equal(t, "7", r.URL.Query().Get("mcu1.vc"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, s := newClient(t, server)
	host := &manifest.Target{Kind: manifest.Host, SemanticVersion: "2.1.0", VersionCode: 7}
	err := c.PostUpdateResult(context.Background(), s, host, Success)
	assert.True(t, fault.Is(err, fault.Transport))
	assert.Equal(t, int32(3), calls.Load(), "every attempt is used before giving up")
}
