package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestCodeFrom(router http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/code", bytes.NewBufferString(`{"phone":"`+userPhone+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSpoofedForwardedHeadersDoNotBypassIPLimit(t *testing.T) {
	router, _ := newTestRouter(t, testOptions{ipLimit: 3})

	var accepted, limited int
	for i := 0; i < 6; i++ {
		rec := requestCodeFrom(router, "203.0.113.9:40000", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1),
			"X-Real-IP":       fmt.Sprintf("198.51.101.%d", i+1),
		})
		switch rec.Code {
		case http.StatusOK:
			accepted++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 3, limited)
}

func TestTrustedProxyForwardsClientAddress(t *testing.T) {
	router, _ := newTestRouter(t, testOptions{
		ipLimit:        3,
		trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})

	// distinct clients behind the proxy each get their own budget
	for i := 0; i < 5; i++ {
		rec := requestCodeFrom(router, "10.0.0.5:1234", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// entries the client prepends are ignored; the hop the proxy saw is used
	for i := 0; i < 3; i++ {
		rec := requestCodeFrom(router, "10.0.0.5:1234", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("1.1.1.%d, 198.51.100.200", i+1),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := requestCodeFrom(router, "10.0.0.5:1234", map[string]string{
		"X-Forwarded-For": "1.1.1.99, 198.51.100.200",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.0.1/32"),
	}

	cases := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"untrusted peer keeps address", "203.0.113.9:5000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "203.0.113.9"},
		{"trusted peer without headers", "10.1.1.1:5000", nil, "10.1.1.1"},
		{"trusted peer forwards", "10.1.1.1:5000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "198.51.100.1"},
		{"skips trusted hops", "10.1.1.1:5000", map[string]string{"X-Forwarded-For": "198.51.100.1, 192.168.0.1, 10.2.2.2"}, "198.51.100.1"},
		{"rightmost untrusted wins", "10.1.1.1:5000", map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.1"}, "198.51.100.1"},
		{"garbage chain ignored", "10.1.1.1:5000", map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.1.1.1"},
		{"real ip header", "10.1.1.1:5000", map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"ipv6 client", "10.1.1.1:5000", map[string]string{"X-Forwarded-For": "2001:db8::1"}, "2001:db8::1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := RealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRealIPWithoutTrustedProxies(t *testing.T) {
	var got string
	h := RealIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = clientIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.9", got)
}
