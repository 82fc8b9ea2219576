package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_NoOriginsConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/orders/LIME-1", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rr := httptest.NewRecorder()
	CORS(CORSConfig{AllowedOrigins: []string{" ", ""}})(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("got %d with Allow-Origin %q, want untouched pass-through", rr.Code, rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{
		AllowedOrigins:   []string{"https://limeshop.store/", "http://localhost:5173"},
		AllowCredentials: true,
		MaxAge:           600,
	})(okHandler())

	type want struct {
		status int
		origin string
		code   string
	}
	tests := []struct {
		name      string
		method    string
		origin    string
		preflight bool
		want      want
	}{
		{name: "storefront post", method: http.MethodPost, origin: "https://limeshop.store", want: want{status: http.StatusOK, origin: "https://limeshop.store"}},
		{name: "dev server", method: http.MethodGet, origin: "http://localhost:5173", want: want{status: http.StatusOK, origin: "http://localhost:5173"}},
		{name: "unknown origin", method: http.MethodPost, origin: "https://elsewhere.example", want: want{status: http.StatusForbidden, code: "forbidden_origin"}},
		{name: "provider webhook", method: http.MethodPost, want: want{status: http.StatusOK}},
		{name: "plain options", method: http.MethodOptions, origin: "https://limeshop.store", want: want{status: http.StatusOK, origin: "https://limeshop.store"}},
		{name: "preflight", method: http.MethodOptions, origin: "https://limeshop.store", preflight: true, want: want{status: http.StatusNoContent, origin: "https://limeshop.store"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/payments/checkout", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want.status)
			}
			hdr := rr.Header()
			if got := hdr.Get("Access-Control-Allow-Origin"); got != tt.want.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want.origin)
			}
			if tt.want.code != "" {
				if got := decodeErrorCode(t, rr.Body.String()); got != tt.want.code {
					t.Errorf("error code = %q, want %q", got, tt.want.code)
				}
			}
			if tt.origin != "" && hdr.Get("Vary") != "Origin" {
				t.Errorf("Vary = %q, want Origin", hdr.Get("Vary"))
			}
			if tt.want.origin == "" {
				return
			}
			if hdr.Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("missing Allow-Credentials")
			}
			if !strings.Contains(hdr.Get("Access-Control-Expose-Headers"), IdempotentReplayHeader) {
				t.Errorf("Expose-Headers = %q", hdr.Get("Access-Control-Expose-Headers"))
			}
			if !tt.preflight {
				return
			}
			if !strings.Contains(hdr.Get("Access-Control-Allow-Headers"), IdempotencyKeyHeader) {
				t.Errorf("Allow-Headers = %q", hdr.Get("Access-Control-Allow-Headers"))
			}
			if hdr.Get("Access-Control-Max-Age") != "600" {
				t.Errorf("Max-Age = %q", hdr.Get("Access-Control-Max-Age"))
			}
		})
	}
}
