package http

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/auth"
	"dispatchd/internal/hub"
)

func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return event, data
		}
	}
}

func TestTopicStreamDeliversPublishes(t *testing.T) {
	broker := hub.New()
	server := httptest.NewServer(NewTopicStreamHandler(broker))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?topic=command:cmd-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	event, _ := readEvent(t, reader)
	if event != "ready" {
		t.Fatalf("expected ready preamble, got %q", event)
	}

	// Subscription is live once ready is flushed.
	broker.Publish(hub.CommandTopic("cmd-1"), map[string]string{"status": "queued"})

	event, data := readEvent(t, reader)
	if event != "update" {
		t.Fatalf("expected update event, got %q", event)
	}
	if !strings.Contains(data, "queued") {
		t.Fatalf("unexpected payload: %s", data)
	}
}

func TestTopicStreamRejectsBadTopic(t *testing.T) {
	broker := hub.New()
	server := httptest.NewServer(NewTopicStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL + "?topic=secrets")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCommandStreamResolvesPathID(t *testing.T) {
	broker := hub.New()
	handler := NewCommandStreamHandler(broker, "/api/v1/commands/", "/stream")
	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands/", handler)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/commands/cmd-7/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if event, _ := readEvent(t, reader); event != "ready" {
		t.Fatalf("expected ready, got %q", event)
	}
	broker.Publish(hub.CommandTopic("cmd-7"), map[string]string{"kind": "status"})
	if event, _ := readEvent(t, reader); event != "update" {
		t.Fatalf("expected update, got %q", event)
	}
}

func TestAgentStreamRequiresIdentity(t *testing.T) {
	broker := hub.New()
	handler := NewAgentStreamHandler(broker)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/stream", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without agent identity, got %d", resp.Code)
	}
}

func TestAgentStreamUsesContextAgent(t *testing.T) {
	broker := hub.New()
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NewAgentStreamHandler(broker).ServeHTTP(w, r.WithContext(auth.WithAgent(r.Context(), "agent-9")))
	})
	server := httptest.NewServer(wrapped)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if event, _ := readEvent(t, reader); event != "ready" {
		t.Fatalf("expected ready, got %q", event)
	}
	broker.Publish(hub.AgentTopic("agent-9"), map[string]string{"kind": "status"})
	if event, _ := readEvent(t, reader); event != "update" {
		t.Fatalf("expected update, got %q", event)
	}
}
