// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock provider endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockCensus is a configurable mock Census-style API server.
type MockCensus struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
	KeysSeen     map[string]int
	LastQuery    map[string]string
}

// NewMockCensus creates a new mock provider server.
func NewMockCensus() *MockCensus {
	mock := &MockCensus{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		KeysSeen: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		if key := r.URL.Query().Get("key"); key != "" {
			mock.KeysSeen[key]++
		}
		mock.LastQuery = map[string]string{}
		for k := range r.URL.Query() {
			mock.LastQuery[k] = r.URL.Query().Get(k)
		}
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCensus) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCensus) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCensus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.KeysSeen = make(map[string]int)
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCensus) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockCensus) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCensus) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetKeyCount returns the number of requests carrying the given key.
func (m *MockCensus) GetKeyCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.KeysSeen[key]
}

// defaultHandler returns an empty but well-formed tabular response.
func (m *MockCensus) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`[["state","county"]]`))
}

// GroupsBody renders a group-list body for the given table ids.
func GroupsBody(tableIDs ...string) string {
	type group struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	groups := make([]group, 0, len(tableIDs))
	for _, id := range tableIDs {
		groups = append(groups, group{Name: id, Description: "Table " + id})
	}
	body, _ := json.Marshal(map[string]any{"groups": groups})
	return string(body)
}

// GroupDetailBody renders a per-table metadata body for the given
// variable ids, including the NAME metadata variable the enumerator
// must skip.
func GroupDetailBody(varIDs ...string) string {
	vars := map[string]any{
		"NAME": map[string]string{"label": "Geographic Area Name"},
	}
	for _, id := range varIDs {
		vars[id] = map[string]string{"label": "Estimate " + id}
	}
	body, _ := json.Marshal(map[string]any{"variables": vars})
	return string(body)
}

// DataBody renders a tabular data body: header row from varIDs plus
// geography columns, then one value row per county.
func DataBody(varIDs []string, stateFIPS string, countyFIPS ...string) string {
	header := append(append([]string{}, varIDs...), "state", "county")
	table := [][]string{header}
	for i, county := range countyFIPS {
		row := make([]string, 0, len(header))
		for range varIDs {
			row = append(row, fmt.Sprintf("%d", 100+i))
		}
		row = append(row, stateFIPS, county)
		table = append(table, row)
	}
	body, _ := json.Marshal(table)
	return string(body)
}

// NewRateLimitResponse creates the provider's documented 429 response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":429,"message":"You have exceeded your daily request limit"}}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
	}
}

// NewMalformedResponse creates a body that violates the tabular contract.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"rows": "not an array of arrays"}`,
	}
}
