package handshake

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestResolveValid(t *testing.T) {
	tests := []struct {
		raw  string
		host string
		port int
	}{
		{"/?target=example.com:443", "example.com", 443},
		{"/relay?target=127.0.0.1:9999&x=1", "127.0.0.1", 9999},
		{"/?target=%5B::1%5D:22", "::1", 22},
		{"/?target=%20db.internal:5432%20", "db.internal", 5432},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			target, err := Resolve(mustURL(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.host, target.Host)
			assert.Equal(t, tt.port, target.Port)
		})
	}
}

func TestResolveMissing(t *testing.T) {
	for _, raw := range []string{"/", "/?other=1", "/?target=", "/?target=%20"} {
		_, err := Resolve(mustURL(t, raw))
		var herr *Error
		require.True(t, errors.As(err, &herr), raw)
		assert.Equal(t, MissingTarget, herr.Kind)
		assert.Equal(t, "Missing target parameter", herr.Body())
	}
	_, err := Resolve(nil)
	require.Error(t, err)
}

func TestResolveInvalid(t *testing.T) {
	for _, raw := range []string{
		"/?target=example.com",
		"/?target=example.com:",
		"/?target=example.com:https",
		"/?target=:80",
		"/?target=example.com:0",
		"/?target=example.com:70000",
		"/?target=a:b:c",
		"/?target=user@host:22",
		"/?target=%ff%fe.invalid:80",
		"/?target=db%00.internal:5432",
		"/?target=db%09internal:5432",
	} {
		_, err := Resolve(mustURL(t, raw))
		var herr *Error
		require.True(t, errors.As(err, &herr), raw)
		assert.Equal(t, InvalidTarget, herr.Kind, raw)
		assert.Equal(t, "Invalid target parameter", herr.Body())
	}
}

func TestTargetAddrRoundTrip(t *testing.T) {
	target, err := ParseTarget("[2001:db8::1]:8443")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:8443", target.Addr())
	assert.Equal(t, "invalid_target", InvalidTarget.String())
}
