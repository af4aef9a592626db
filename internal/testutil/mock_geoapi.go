// Package testutil provides testing utilities for the geodig lookup
// pipeline.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockGeoResponse defines the behavior of one mock geolocation endpoint
// response.
type MockGeoResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGeoAPI is a configurable mock of the ip-api.com JSON endpoint.
// Targets without a configured response get a generic success body.
type MockGeoAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount  int
	TargetsSeen   []string
	LastUserAgent string
	LastRawQuery  string
}

// NewMockGeoAPI creates a started mock server. Call Close when done.
func NewMockGeoAPI() *MockGeoAPI {
	mock := &MockGeoAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimPrefix(r.URL.Path, "/json/")

		mock.mu.Lock()
		mock.RequestCount++
		mock.TargetsSeen = append(mock.TargetsSeen, target)
		mock.LastUserAgent = r.Header.Get("User-Agent")
		mock.LastRawQuery = r.URL.RawQuery
		handler, exists := mock.handlers[target]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, target)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGeoAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGeoAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGeoAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TargetsSeen = nil
	m.LastUserAgent = ""
	m.LastRawQuery = ""
}

// SetHandler installs a custom handler for one target.
func (m *MockGeoAPI) SetHandler(target string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[target] = handler
}

// SetResponse configures a fixed response for one target.
func (m *MockGeoAPI) SetResponse(target string, resp MockGeoResponse) {
	m.SetHandler(target, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetResponseSequence replays the given responses in order for one
// target, sticking on the last one once the sequence is exhausted.
func (m *MockGeoAPI) SetResponseSequence(target string, responses []MockGeoResponse) {
	var mu sync.Mutex
	calls := 0
	m.SetHandler(target, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[min(calls, len(responses)-1)]
		calls++
		mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGeoAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// defaultHandler answers any unconfigured target with a generic
// success payload and healthy quota headers.
func (m *MockGeoAPI) defaultHandler(w http.ResponseWriter, target string) {
	w.Header().Set("X-Rl", "44")
	w.Header().Set("X-Ttl", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"success","country":"Germany","countryCode":"DE","city":"Berlin","isp":"Example ISP","org":"Example Org","as":"AS64500 Example","query":%q}`, target)
}

// NewSuccessResponse creates a 200 response resolving target to the
// given country, with healthy quota headers.
func NewSuccessResponse(target, country string) MockGeoResponse {
	return MockGeoResponse{
		StatusCode: http.StatusOK,
		Body: fmt.Sprintf(`{"status":"success","country":%q,"countryCode":"XX","city":"Testville","isp":"Test ISP","org":"Test Org","as":"AS64501 Test","query":%q}`,
			country, target),
		Headers: map[string]string{
			"X-Rl":         "40",
			"X-Ttl":        "60",
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewFailResponse creates a 200 response with an application-level
// failure, the way the upstream reports unresolvable targets.
func NewFailResponse(target, message string) MockGeoResponse {
	return MockGeoResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"status":"fail","message":%q,"query":%q}`, message, target),
		Headers: map[string]string{
			"X-Rl":         "40",
			"X-Ttl":        "60",
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 response with an exhausted quota
// window that recovers after ttl seconds.
func NewRateLimitResponse(ttl int) MockGeoResponse {
	return MockGeoResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers: map[string]string{
			"X-Rl":  "0",
			"X-Ttl": fmt.Sprintf("%d", ttl),
		},
	}
}

// NewServerErrorResponse creates a 502 response without quota headers.
func NewServerErrorResponse() MockGeoResponse {
	return MockGeoResponse{
		StatusCode: http.StatusBadGateway,
		Body:       "bad gateway",
	}
}
