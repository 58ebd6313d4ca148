package langgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/middleware"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, time.Second, zap.NewNop()), server
}

func TestBuildURL_EscapesSegments(t *testing.T) {
	got, err := buildURL("http://lg:2024/base", nil, "threads", "a/b c", "state")
	if err != nil {
		t.Fatalf("buildURL failed: %v", err)
	}
	want := "http://lg:2024/base/threads/a%2Fb%20c/state"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
}

func TestClient_GetThread(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/threads/t-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"thread_id":"t-1","config":{"configurable":{"organization_id":"org-1"}}}`))
	})

	thread, err := client.GetThread(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if thread.ThreadID != "t-1" {
		t.Errorf("expected thread id 't-1', got %q", thread.ThreadID)
	}
	if thread.Config.Get("organization_id") != "org-1" {
		t.Errorf("expected organization_id 'org-1', got %q", thread.Config.Get("organization_id"))
	}
}

func TestClient_GetThread_NotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Thread not found"}`))
	})

	_, err := client.GetThread(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if serr.Detail != "Thread not found" {
		t.Errorf("expected detail 'Thread not found', got %q", serr.Detail)
	}
}

func TestClient_CreateThread_SendsBody(t *testing.T) {
	var received map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/threads" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte(`{"thread_id":"t-9"}`))
	})

	raw, err := client.CreateThread(context.Background(), map[string]any{"thread_id": "t-9", "if_exists": "do_nothing"})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if string(raw) != `{"thread_id":"t-9"}` {
		t.Errorf("unexpected response %s", raw)
	}
	if received["if_exists"] != "do_nothing" {
		t.Errorf("expected if_exists do_nothing, got %v", received["if_exists"])
	}
}

func TestClient_StreamRun_ReturnsBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t-1/runs/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event: metadata\ndata: {}\n\n")
	})

	body, err := client.StreamRun(context.Background(), "t-1", map[string]any{"assistant_id": "a"})
	if err != nil {
		t.Fatalf("StreamRun failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "event: metadata\ndata: {}\n\n" {
		t.Errorf("unexpected stream %q", data)
	}
}

func TestClient_StreamRun_ValidationError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"loc":["body","input"],"msg":"field required"}]}`))
	})

	_, err := client.StreamRun(context.Background(), "t-1", map[string]any{})
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", serr.StatusCode)
	}
	if !strings.Contains(serr.StructuredDetail, "field required") {
		t.Errorf("expected structured detail, got %q", serr.StructuredDetail)
	}
}

func TestClient_GetThreadState_Query(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t-1/state" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("assistant_id"); got != "knowted_agent" {
			t.Errorf("expected assistant_id query, got %q", got)
		}
		_, _ = w.Write([]byte(`{"values":{}}`))
	})

	if _, err := client.GetThreadState(context.Background(), "t-1", "knowted_agent"); err != nil {
		t.Fatalf("GetThreadState failed: %v", err)
	}
}

func TestClient_PropagatesRequestID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(middleware.RequestIDHeader); got != "req-42" {
			t.Errorf("expected request id 'req-42', got %q", got)
		}
		_, _ = w.Write([]byte(`{}`))
	})

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	if _, err := client.GetAssistant(ctx, "a"); err != nil {
		t.Fatalf("GetAssistant failed: %v", err)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := NewClient("http://"+addr, time.Second, zap.NewNop())
	_, err = client.CreateRun(context.Background(), "t-1", map[string]any{})
	if !IsConnectionRefused(err) {
		t.Fatalf("expected connection refused, got %v", err)
	}

	rerr := NewRelayError(err, OpCreateRun, "a", "t-1")
	if rerr.Message != MessageConnectionRefused {
		t.Errorf("unexpected message %q", rerr.Message)
	}
	if rerr.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rerr.HTTPStatus())
	}
}

func TestClient_StreamRun_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	client := NewClient(server.URL, 50*time.Millisecond, zap.NewNop())

	start := time.Now()
	_, err := client.StreamRun(context.Background(), "t-1", map[string]any{})
	if err == nil {
		t.Fatal("expected error when the runtime never sends headers")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stream open took %v, expected the header timeout to apply", elapsed)
	}
}

func TestClient_StreamRun_BodyOutlivesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event: metadata\ndata: {}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		_, _ = fmt.Fprint(w, "event: end\ndata: null\n\n")
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, 50*time.Millisecond, zap.NewNop())

	body, err := client.StreamRun(context.Background(), "t-1", map[string]any{})
	if err != nil {
		t.Fatalf("StreamRun failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasSuffix(string(data), "event: end\ndata: null\n\n") {
		t.Errorf("stream was cut short: %q", data)
	}
}
