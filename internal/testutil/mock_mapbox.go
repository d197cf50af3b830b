// Package testutil provides test doubles for the Mapbox API and the clock.
package testutil

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockMapbox is a configurable mock of the Mapbox API for one account.
type MockMapbox struct {
	server   *httptest.Server
	username string

	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	pages     map[string][]string
	responses map[string]MockResponse
	throttle  map[string]int
	requests  map[string]int

	conditional int
	inFlight    int
	peak        int
	tokens      map[string]bool
}

// NewMockMapbox creates a mock API serving the account username.
func NewMockMapbox(username string) *MockMapbox {
	m := &MockMapbox{
		username:  username,
		handlers:  make(map[string]http.HandlerFunc),
		pages:     make(map[string][]string),
		responses: make(map[string]MockResponse),
		throttle:  make(map[string]int),
		requests:  make(map[string]int),
		tokens:    make(map[string]bool),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockMapbox) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockMapbox) Close() {
	m.server.Close()
}

// Username returns the account served by the mock.
func (m *MockMapbox) Username() string {
	return m.username
}

// Token returns an access token whose payload names the mock's account.
func (m *MockMapbox) Token() string {
	return TokenFor(m.username)
}

// TokenFor builds a syntactically valid access token for username.
func TokenFor(username string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"u":%q,"a":"test"}`, username)))
	return "pk." + payload + ".signature"
}

// SetHandler sets a custom handler for a path.
func (m *MockMapbox) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockMapbox) SetResponse(path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = resp
}

// SetPages serves a paginated listing. Page i is served at path?page=i and,
// except for the last page, links to the next one with rel="next".
func (m *MockMapbox) SetPages(path string, pages ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = pages
}

// Throttle makes the next n requests to path fail with 429.
func (m *MockMapbox) Throttle(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttle[path] = n
}

// Requests returns the number of requests made to path.
func (m *MockMapbox) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// TotalRequests returns the number of requests made to the server.
func (m *MockMapbox) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// ConditionalCount returns the number of requests carrying a validator.
func (m *MockMapbox) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditional
}

// PeakInFlight returns the highest number of requests served at once.
func (m *MockMapbox) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// SawToken reports whether any request carried token as access_token.
func (m *MockMapbox) SawToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[token]
}

func (m *MockMapbox) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	m.mu.Lock()
	m.requests[path]++
	m.tokens[r.URL.Query().Get("access_token")] = true
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.conditional++
	}
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	throttled := m.throttle[path] > 0
	if throttled {
		m.throttle[path]--
	}
	handler, hasHandler := m.handlers[path]
	pages, hasPages := m.pages[path]
	resp, hasResponse := m.responses[path]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	switch {
	case throttled:
		writeJSON(w, http.StatusTooManyRequests, `{"message":"Too Many Requests"}`)
	case hasHandler:
		handler(w, r)
	case hasPages:
		m.servePage(w, r, pages)
	case hasResponse:
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if r.Header.Get("If-None-Match") != "" && r.Header.Get("If-None-Match") == resp.Headers["ETag"] {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write([]byte(resp.Body))
	default:
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	}
}

func (m *MockMapbox) servePage(w http.ResponseWriter, r *http.Request, pages []string) {
	index := 0
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= len(pages) {
			writeJSON(w, http.StatusBadRequest, `{"message":"bad page"}`)
			return
		}
		index = n
	}

	if index+1 < len(pages) {
		next := fmt.Sprintf("%s%s?page=%d", m.server.URL, r.URL.Path, index+1)
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}
	writeJSON(w, http.StatusOK, pages[index])
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
