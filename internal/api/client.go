// Package api talks to the firmware server: manifest fetch, chunk download
// and result reporting.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/logging"
	"github.com/bigbag/gateway-ota/internal/manifest"
)

// Endpoint paths.
const (
	ReleasePath  = "/firmware/file/version/release"
	DownloadPath = "/firmware/file/download"
	FinishPath   = "/firmware/file/download/finish"
)

// maxManifestSize bounds the manifest response body.
const maxManifestSize = 256 * 1024

// Result is the outcome reported to the server.
type Result string

const (
	Success Result = "success"
	Failure Result = "failure"
)

// Session addresses one announced update on the download server.
type Session struct {
	BaseURL  *url.URL
	UpdateID uint32
}

// NewSession returns the session described by m.
func NewSession(m *manifest.Manifest) Session {
	return Session{BaseURL: m.URL, UpdateID: m.UpdateID}
}

// Config holds the client settings.
type Config struct {
	ServerURL       string
	MAC             string
	DeviceType      string
	FirmwareVersion string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
}

// Client is the HTTP adapter to the firmware server.
type Client struct {
	cfg  Config
	http *http.Client
	log  log.FieldLogger
}

// New creates a client. A nil logger discards output.
func New(cfg Config, logger log.FieldLogger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

func (c *Client) userAgent() string {
	return c.cfg.DeviceType + "/" + c.cfg.FirmwareVersion
}

// FetchManifest downloads the raw manifest of the given update.
func (c *Client) FetchManifest(ctx context.Context, updateID uint32) ([]byte, error) {
	base, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fault.Wrap(fault.Format, "fetch manifest", err)
	}
	q := url.Values{}
	q.Set("mac", c.cfg.MAC)
	q.Set("otaId", strconv.FormatUint(uint64(updateID), 10))

	resp, err := c.do(ctx, http.MethodGet, endpoint(base, ReleasePath, q), nil, "")
	if err != nil {
		return nil, wrapTransport("fetch manifest", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, wrapTransport("fetch manifest", err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, wrapTransport("fetch manifest", err)
	}
	if len(data) > maxManifestSize {
		return nil, fault.New(fault.Capacity, "fetch manifest", "manifest larger than %d bytes", maxManifestSize)
	}
	return data, nil
}

// FetchChunk downloads one chunk into dst and returns its length.
// A body larger than dst is a capacity error.
func (c *Client) FetchChunk(ctx context.Context, s Session, t *manifest.Target, chunk manifest.Chunk, dst []byte) (int, error) {
	q := c.targetValues(s, t)
	q.Set(t.Kind.Key()+".fileNo", strconv.Itoa(chunk.Index))
	q.Set(t.Kind.Key()+".filepath", chunk.Path)

	resp, err := c.do(ctx, http.MethodGet, endpoint(s.BaseURL, DownloadPath, q), nil, "")
	if err != nil {
		return 0, wrapTransport("fetch chunk", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, wrapTransport("fetch chunk", err)
	}

	n, err := io.ReadFull(resp.Body, dst)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return n, nil
	case err != nil:
		return n, wrapTransport("fetch chunk", err)
	}

	var extra [1]byte
	if m, _ := resp.Body.Read(extra[:]); m > 0 {
		return n, fault.New(fault.Capacity, "fetch chunk", "chunk %d larger than the %d byte block", chunk.Index, len(dst))
	}
	return n, nil
}

// PostChunkResult reports the download result of one chunk.
func (c *Client) PostChunkResult(ctx context.Context, s Session, t *manifest.Target, chunk manifest.Chunk, result Result) error {
	form := c.targetValues(s, t)
	form.Set(t.Kind.Key()+".fileNo", strconv.Itoa(chunk.Index))
	form.Set(t.Kind.Key()+".filepath", chunk.Path)
	form.Set(t.Kind.Key()+".result", string(result))

	target := endpoint(s.BaseURL, DownloadPath, nil)
	return c.post(ctx, "post chunk result", func() (*http.Response, error) {
		return c.do(ctx, http.MethodPost, target, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	})
}

// PostUpdateResult reports the final result of a target's update.
func (c *Client) PostUpdateResult(ctx context.Context, s Session, t *manifest.Target, result Result) error {
	q := c.targetValues(s, t)
	q.Set(t.Kind.Key()+".result", string(result))

	target := endpoint(s.BaseURL, FinishPath, q)
	return c.post(ctx, "post update result", func() (*http.Response, error) {
		return c.do(ctx, http.MethodPost, target, nil, "")
	})
}

func (c *Client) post(ctx context.Context, op string, send func() (*http.Response, error)) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := send()
		if err == nil {
			err = checkStatus(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).Warn(op + " failed")
		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return wrapTransport(op, ctx.Err())
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return wrapTransport(op, lastErr)
}

func (c *Client) targetValues(s Session, t *manifest.Target) url.Values {
	q := url.Values{}
	q.Set("mac", c.cfg.MAC)
	q.Set("otaId", strconv.FormatUint(uint64(s.UpdateID), 10))
	q.Set(t.Kind.Key()+".vc", strconv.Itoa(t.VersionCode))
	q.Set(t.Kind.Key()+".version", t.SemanticVersion)
	return q
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

func endpoint(base *url.URL, path string, q url.Values) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %s", e.Status)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func wrapTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fault.Wrap(fault.Timeout, op, err)
	}
	return fault.Wrap(fault.Transport, op, err)
}
