package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cribsense/uplink/media"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL: srv.URL,
		Token:   func() string { return "tok-1" },
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); err == nil {
		t.Error("New() with empty BaseURL succeeded")
	}
	if _, err := New(Config{BaseURL: "ftp://example.com"}, nil); err == nil {
		t.Error("New() with ftp scheme succeeded")
	}
	if _, err := New(Config{BaseURL: "https://api.example.com"}, nil); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/streams/start-session/dev-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth header = %q", got)
		}
		io.WriteString(w, `{"session_id":"sess-9","device_id":"dev-1","status":"session_started"}`)
	}))

	sess, err := c.StartSession(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess.SessionID != "sess-9" || sess.Status != "session_started" {
		t.Errorf("session = %+v", sess)
	}

	if _, err := c.StartSession(context.Background(), ""); err == nil {
		t.Error("StartSession with empty device ID succeeded")
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams/end-session/sess-9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"message":"Session ended successfully"}`)
	}))

	if err := c.EndSession(context.Background(), "sess-9"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if err := c.EndSession(context.Background(), ""); err == nil {
		t.Error("EndSession with empty session ID succeeded")
	}
}

func TestUploadChunk(t *testing.T) {
	t.Parallel()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams/upload-chunk/sess-9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("chunk_type"); got != "audio" {
			t.Errorf("chunk_type = %q, want audio", got)
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if !strings.HasPrefix(hdr.Filename, "audio-") || !strings.HasSuffix(hdr.Filename, ".m4a") {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if got := hdr.Header.Get("Content-Type"); got != "audio/mp4" {
			t.Errorf("part content type = %q", got)
		}
		data, _ := io.ReadAll(file)
		if string(data) != string(payload) {
			t.Errorf("payload = %x, want %x", data, payload)
		}
		io.WriteString(w, `{"message":"Chunk received","chunk_size":4,"type":"audio"}`)
	}))

	chunk := media.NewChunk(media.KindAudio, payload, "sess-9")
	if err := c.UploadChunk(context.Background(), chunk); err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}

	if err := c.UploadChunk(context.Background(), media.Chunk{Kind: media.KindAudio}); err == nil {
		t.Error("upload without session ID succeeded")
	}
	if err := c.UploadChunk(context.Background(), media.Chunk{SessionID: "s", Kind: "gif"}); err == nil {
		t.Error("upload with invalid kind succeeded")
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/streams/sessions" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `[
			{"session_id":"s2","device_id":"dev-1","started_at":"2026-08-24T10:05:00","ended_at":null,"duration_seconds":null,"is_active":true},
			{"session_id":"s1","device_id":"dev-1","started_at":"2026-08-24T09:00:00","ended_at":"2026-08-24T09:30:00","duration_seconds":1800.0,"is_active":false}
		]`)
	}))

	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if !sessions[0].IsActive || sessions[0].EndedAt != "" {
		t.Errorf("active session = %+v", sessions[0])
	}
	if sessions[1].DurationSeconds != 1800 {
		t.Errorf("duration = %v, want 1800", sessions[1].DurationSeconds)
	}
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/streams/end-session/missing":
			http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
		case "/streams/end-session/forbidden":
			http.Error(w, `{"detail":"Not authenticated"}`, http.StatusUnauthorized)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))

	err := c.EndSession(context.Background(), "missing")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", se.Code)
	}
	if !strings.Contains(se.Body, "Session not found") {
		t.Errorf("body = %q", se.Body)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("404 matched ErrUnauthorized")
	}

	err = c.EndSession(context.Background(), "forbidden")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("401 error = %v, want ErrUnauthorized match", err)
	}

	err = c.EndSession(context.Background(), "other")
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 matched ErrUnauthorized")
	}
}
