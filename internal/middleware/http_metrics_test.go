package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/health", "/health"},
		{"/api/payments/checkout", "/api/payments/checkout"},
		{"/api/payments/sumup/create_checkout", "/api/payments/sumup/create_checkout"},
		{"/api/payments/stripe/webhook", "/api/payments/stripe/webhook"},
		{"/api/orders", "/api/orders"},
		{"/api/orders/", "/api/orders/"},
		{"/api/orders/create", "/api/orders/create"},
		{"/api/orders/me", "/api/orders/me"},
		{"/api/admin/orders", "/api/admin/orders"},
		{"/api/orders/LIME-3F9A0C12DE", "/api/orders/{reference}"},
		{"/api/orders/LIME-3F9A0C12DE/receipt", "/api/orders/{reference}/receipt"},
		{"/api/orders/LIME-1/refund", "other"},
		{"/wp-login.php", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_OneLabelForAllReferences(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range []string{"/api/orders/LIME-0000000001", "/api/orders/SHOP-550E8400E2", "/api/orders/anything"} {
		seen[normalizePath(p)] = true
	}
	if len(seen) != 1 || !seen["/api/orders/{reference}"] {
		t.Errorf("expected a single label, got %v", seen)
	}
}

func TestHTTPMetrics(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(HTTPMetrics(m))
	r.Get("/api/orders/{reference}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order_id":"x"}`))
	})
	r.Post("/api/orders/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	for _, ref := range []string{"LIME-1", "LIME-2", "LIME-3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders/"+ref, nil))
	}
	post := httptest.NewRequest(http.MethodPost, "/api/orders/create", strings.NewReader(`{"items":[]}`))
	post.Header.Set("Content-Length", "12")
	r.ServeHTTP(httptest.NewRecorder(), post)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/orders/{reference}", "200")); got != 3 {
		t.Errorf("GET order requests = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/orders/create", "400")); got != 1 {
		t.Errorf("POST create requests = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.requests); got != 2 {
		t.Errorf("expected 2 label sets (health excluded), got %d", got)
	}
	if got := testutil.CollectAndCount(m.responseSize); got != 2 {
		t.Errorf("expected response sizes for 2 label sets, got %d", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("GET", "/", "200", 0.1, 0, 0)
	m.IncRateLimitRequests("/", "ip")
	m.IncRateLimitBlocked("/", "ip")
	m.IncRateLimitRedisErrors()
	m.IncIdempotencyReplay("/api/orders/create")
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	m.ObserveHTTPRequest("POST", "/api/payments/checkout", "201", 0.3, 120, 400)
	m.IncRateLimitRequests("/api/payments/checkout", "ip")
	m.IncRateLimitBlocked("/api/payments/checkout", "ip")
	m.IncRateLimitRedisErrors()
	m.IncIdempotencyReplay("/api/orders/create")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		MetricHTTPRequestsTotal, MetricHTTPRequestDuration, MetricHTTPRequestSizeBytes, MetricHTTPResponseSizeBytes,
		MetricRateLimitRequests, MetricRateLimitBlocked, MetricRateLimitRedisErrors, MetricIdempotencyReplays,
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
