package fetch

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	req := &Request{URL: mustURL(t, "http://example.com/")}
	require.NoError(t, req.normalize())

	assert.Equal(t, http.MethodGet, req.Method)
	assert.NotNil(t, req.Headers)
	assert.Equal(t, ModeNoCORS, req.Mode)
	assert.Equal(t, CredentialsInclude, req.Credentials)
	assert.NotEmpty(t, req.ID)
}

func TestNormalizeUppercasesMethod(t *testing.T) {
	req := &Request{URL: mustURL(t, "http://example.com/"), Method: "post"}
	require.NoError(t, req.normalize())
	assert.Equal(t, http.MethodPost, req.Method)
}

func TestNormalizeRejectsBadURL(t *testing.T) {
	err := (&Request{}).normalize()
	require.Error(t, err)

	err = (&Request{URL: &url.URL{Path: "/no/scheme"}}).normalize()
	require.Error(t, err)
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "http://example.com/a", "http://example.com/b", true},
		{"default port matches explicit", "http://example.com/", "http://example.com:80/", true},
		{"default https port", "https://example.com/", "https://example.com:443/", true},
		{"different port", "http://example.com/", "http://example.com:8080/", false},
		{"different scheme", "http://example.com/", "https://example.com/", false},
		{"different host", "http://example.com/", "http://example.org/", false},
		{"subdomain differs", "http://example.com/", "http://www.example.com/", false},
		{"ws default port", "ws://example.com/", "ws://example.com:80/", true},
		{"wss default port", "wss://example.com/", "wss://example.com:443/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sameOrigin(mustURL(t, tt.a), mustURL(t, tt.b))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdempotent(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace} {
		req := &Request{Method: method}
		assert.True(t, req.idempotent(), method)
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := &Request{Method: method}
		assert.False(t, req.idempotent(), method)
	}
}

func TestSendsCredentials(t *testing.T) {
	target := mustURL(t, "https://api.example.com/data")

	tests := []struct {
		name   string
		creds  CredentialsMode
		origin string
		want   bool
	}{
		{"include always sends", CredentialsInclude, "https://other.example.org", true},
		{"omit never sends", CredentialsOmit, "https://api.example.com", false},
		{"same-origin matching", CredentialsSameOrigin, "https://api.example.com", true},
		{"same-origin mismatched", CredentialsSameOrigin, "https://other.example.org", false},
		{"same-origin without origin", CredentialsSameOrigin, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Credentials: tt.creds}
			if tt.origin != "" {
				req.Origin = mustURL(t, tt.origin)
			}
			assert.Equal(t, tt.want, req.sendsCredentials(target))
		})
	}
}
