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

func TestEnsureInternalAuth(t *testing.T) {
	h := EnsureInternalAuth("s3cret")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/purchase", nil)
	req.Header.Set("X-Internal-Secret", "s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid secret: status = %d", w.Code)
	}

	for _, secret := range []string{"", "wrong", "s3cret "} {
		req := httptest.NewRequest(http.MethodPost, "/purchase", nil)
		if secret != "" {
			req.Header.Set("X-Internal-Secret", secret)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("secret %q: status = %d", secret, w.Code)
		}
	}
}

func TestIPFilter(t *testing.T) {
	h := IPFilter([]string{"203.0.113.10", "198.51.100.0/24"})(okHandler())

	cases := []struct {
		ip   string
		want int
	}{
		{"203.0.113.10", http.StatusOK},
		{"198.51.100.77", http.StatusOK}, // inside the CIDR
		{"203.0.113.11", http.StatusForbidden},
		{"192.0.2.1", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/callback", nil)
		req.RemoteAddr = tc.ip + ":52100"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("ip %s: status = %d, want %d", tc.ip, w.Code, tc.want)
		}
	}
}

func TestIPFilterEmptyAllowlistAllowsAll(t *testing.T) {
	h := IPFilter(nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/callback", nil)
	req.RemoteAddr = "192.0.2.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		if _, err := r.Body.Read(buf); err != nil && !strings.Contains(err.Error(), "EOF") {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := RequestSizeLimit(16)(inner)

	small := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("short"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, small)
	if w.Code != http.StatusOK {
		t.Fatalf("small body: status = %d", w.Code)
	}

	big := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(strings.Repeat("x", 1000)))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize body: status = %d", w.Code)
	}
}
