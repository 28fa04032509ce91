// Package testutil provides scripted chat endpoints for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Script describes how a fake chat endpoint answers every request.
type Script struct {
	// Status is the response status; 0 means 200 with an SSE body.
	Status int
	// Body is written verbatim for non-2xx statuses and JSON answers.
	Body string
	// Chunks are written and flushed one by one for streaming answers.
	Chunks []string
	// Hold keeps the response open after the chunks until the client leaves.
	Hold bool
}

// CapturedRequest is a request seen by the fake endpoint.
type CapturedRequest struct {
	// Path is the request URL path.
	Path string
	// Header holds the request headers.
	Header http.Header
	// Body is the raw request body.
	Body []byte
}

// ChatServer is an httptest server that replays a Script.
type ChatServer struct {
	*httptest.Server
	// script is the answer for every request.
	script Script
	// release unblocks held responses during cleanup.
	release chan struct{}
	// mu guards requests.
	mu sync.Mutex
	// requests records every request in arrival order.
	requests []CapturedRequest
}

// NewChatServer starts a fake chat endpoint closed automatically with the test.
func NewChatServer(t testing.TB, script Script) *ChatServer {
	t.Helper()
	server := &ChatServer{script: script, release: make(chan struct{})}
	server.Server = httptest.NewServer(http.HandlerFunc(server.serve))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(server.release) })
	return server
}

// Requests returns a copy of the captured requests.
func (s *ChatServer) Requests() []CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CapturedRequest(nil), s.requests...)
}

// DecodeRequest unmarshals the body of the n-th request into target.
func (s *ChatServer) DecodeRequest(t testing.TB, n int, target any) {
	t.Helper()
	requests := s.Requests()
	if n >= len(requests) {
		t.Fatalf("request %d not captured; got %d", n, len(requests))
	}
	if err := json.Unmarshal(requests[n].Body, target); err != nil {
		t.Fatalf("decode request %d: %v", n, err)
	}
}

func (s *ChatServer) serve(responseWriter http.ResponseWriter, request *http.Request) {
	body, _ := io.ReadAll(request.Body)
	s.mu.Lock()
	s.requests = append(s.requests, CapturedRequest{
		Path:   request.URL.Path,
		Header: request.Header.Clone(),
		Body:   body,
	})
	s.mu.Unlock()

	if s.script.Status != 0 && s.script.Status != http.StatusOK {
		responseWriter.Header().Set("Content-Type", "application/json")
		responseWriter.WriteHeader(s.script.Status)
		_, _ = io.WriteString(responseWriter, s.script.Body)
		return
	}
	if s.script.Body != "" {
		responseWriter.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(responseWriter, s.script.Body)
		return
	}

	flusher, ok := responseWriter.(http.Flusher)
	if !ok {
		http.Error(responseWriter, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	responseWriter.Header().Set("Content-Type", "text/event-stream")
	responseWriter.WriteHeader(http.StatusOK)
	for _, chunk := range s.script.Chunks {
		_, _ = io.WriteString(responseWriter, chunk)
		flusher.Flush()
	}
	if s.script.Hold {
		select {
		case <-request.Context().Done():
		case <-s.release:
		}
	}
}

// DeltaLine renders one SSE data record with a content delta.
func DeltaLine(content string) string {
	encoded, _ := json.Marshal(content)
	return fmt.Sprintf("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n", encoded)
}

// DoneLine is the SSE record that ends a stream.
const DoneLine = "data: [DONE]\n\n"
