// Package api is the HTTP client for the backend streaming endpoints:
// session lifecycle, chunk upload, and session history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/cribsense/uplink/media"
)

// maxErrorBody bounds how much of an error response is kept for the
// StatusError message.
const maxErrorBody = 4 << 10

// defaultTimeout applies when no HTTPClient is supplied. Uploads from a
// mobile device over a lossy link need headroom, but a hung request must
// not pin a flush cycle forever.
const defaultTimeout = 30 * time.Second

// Config holds the configuration for the backend Client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string

	// Token returns the current bearer token for each request. Optional;
	// when nil, requests are sent unauthenticated.
	Token func() string

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client

	// UseHTTP3 selects a QUIC transport for uploads. Ignored when
	// HTTPClient is set.
	UseHTTP3 bool
}

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	base  *url.URL
	token func() string
	http  *http.Client
	h3    *http3.Transport
	log   *slog.Logger
}

// New creates a Client with the given configuration. It returns an error
// if required fields are missing or malformed.
func New(config Config, log *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported scheme %q", base.Scheme)
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		base:  base,
		token: config.Token,
		log:   log.With("component", "api"),
	}
	switch {
	case config.HTTPClient != nil:
		c.http = config.HTTPClient
	case config.UseHTTP3:
		c.h3 = &http3.Transport{}
		c.http = &http.Client{Transport: c.h3, Timeout: defaultTimeout}
	default:
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// Close releases an owned HTTP/3 transport, if any. Clients constructed
// over a caller-supplied HTTPClient own nothing and Close is a no-op.
func (c *Client) Close() error {
	if c.h3 == nil {
		return nil
	}
	return c.h3.Close()
}

// Session is the backend's response to starting a stream session.
type Session struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
}

// SessionInfo is one entry of the per-user session history. Timestamps are
// passed through as the backend's ISO-8601 strings.
type SessionInfo struct {
	SessionID       string  `json:"session_id"`
	DeviceID        string  `json:"device_id"`
	StartedAt       string  `json:"started_at"`
	EndedAt         string  `json:"ended_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	IsActive        bool    `json:"is_active"`
}

// StartSession opens a stream session for the device and returns the
// backend-assigned session identity.
func (c *Client) StartSession(ctx context.Context, deviceID string) (Session, error) {
	if deviceID == "" {
		return Session{}, errors.New("api: device ID is required")
	}
	u := c.base.JoinPath("streams", "start-session", deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Session{}, fmt.Errorf("api: start session: %w", err)
	}

	var sess Session
	if err := c.do(req, "start session", &sess); err != nil {
		return Session{}, err
	}
	c.log.Debug("session started", "sessionID", sess.SessionID, "deviceID", deviceID)
	return sess, nil
}

// EndSession closes a stream session on the backend.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("api: session ID is required")
	}
	u := c.base.JoinPath("streams", "end-session", sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return fmt.Errorf("api: end session: %w", err)
	}
	if err := c.do(req, "end session", nil); err != nil {
		return err
	}
	c.log.Debug("session ended", "sessionID", sessionID)
	return nil
}

// UploadChunk sends one captured chunk as a multipart upload to the chunk's
// own session.
func (c *Client) UploadChunk(ctx context.Context, chunk media.Chunk) error {
	if chunk.SessionID == "" {
		return errors.New("api: chunk has no session ID")
	}
	if !chunk.Kind.Valid() {
		return fmt.Errorf("api: invalid chunk kind %q", chunk.Kind)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s-%s%s"`,
		chunk.Kind, chunk.ID, chunk.Kind.Ext()))
	hdr.Set("Content-Type", chunk.Kind.ContainerType())
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("api: upload chunk: %w", err)
	}
	if _, err := part.Write(chunk.Payload); err != nil {
		return fmt.Errorf("api: upload chunk: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("api: upload chunk: %w", err)
	}

	u := c.base.JoinPath("streams", "upload-chunk", chunk.SessionID)
	q := u.Query()
	q.Set("chunk_type", string(chunk.Kind))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return fmt.Errorf("api: upload chunk: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "upload chunk", nil)
}

// Sessions returns the session history for the authenticated user, newest
// first.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	u := c.base.JoinPath("streams", "sessions")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("api: sessions: %w", err)
	}
	var sessions []SessionInfo
	if err := c.do(req, "sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// do sends the request with auth attached, maps non-2xx responses to
// StatusError, and decodes a JSON body into out when out is non-nil.
func (c *Client) do(req *http.Request, op string, out any) error {
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode response: %w", op, err)
	}
	return nil
}
