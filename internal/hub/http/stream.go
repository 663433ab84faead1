package http

import (
	"errors"
	"net/http"
	"strings"

	"dispatchd/internal/auth"
	"dispatchd/internal/hub"
	"dispatchd/internal/observability/metrics"
)

// StreamHandler serves SSE streams backed by the notification hub. The topic
// is resolved per request; the subscription is torn down when the client
// disconnects.
type StreamHandler struct {
	broker       *hub.Hub
	resolveTopic func(r *http.Request) (string, error)
}

var errBadTopic = errors.New("stream: invalid topic")

// NewTopicStreamHandler streams an explicit topic from the query string,
// restricted to the known topic prefixes.
func NewTopicStreamHandler(broker *hub.Hub) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		resolveTopic: func(r *http.Request) (string, error) {
			topic := r.URL.Query().Get("topic")
			if !validTopic(topic) {
				return "", errBadTopic
			}
			return topic, nil
		},
	}
}

// NewCommandStreamHandler streams one command's topic. The command id is the
// path segment between prefix and suffix, e.g.
// /api/v1/commands/{id}/stream.
func NewCommandStreamHandler(broker *hub.Hub, prefix, suffix string) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		resolveTopic: func(r *http.Request) (string, error) {
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), suffix)
			if id == "" || strings.Contains(id, "/") {
				return "", errBadTopic
			}
			return hub.CommandTopic(id), nil
		},
	}
}

// NewAgentStreamHandler streams the authenticated agent's own topic.
func NewAgentStreamHandler(broker *hub.Hub) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		resolveTopic: func(r *http.Request) (string, error) {
			agentID := auth.AgentIDFromContext(r.Context())
			if agentID == "" {
				return "", errBadTopic
			}
			return hub.AgentTopic(agentID), nil
		},
	}
}

// ServeHTTP bridges a hub subscription onto an SSE response.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	topic, err := h.resolveTopic(r)
	if err != nil {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.broker.Subscribe(topic)
	defer cancel()
	metrics.IncHubSubscribers()
	defer metrics.DecHubSubscribers()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: update\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

func validTopic(topic string) bool {
	for _, prefix := range []string{hub.TopicPrefixCommand, hub.TopicPrefixAgent, hub.TopicPrefixSession} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}
