package store

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Redis tests run only when MAILGATE_TEST_REDIS_URL points at a disposable
// instance; the keys they touch are flushed.
func TestRedisWindowsContract(t *testing.T) {
	url := os.Getenv("MAILGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MAILGATE_TEST_REDIS_URL not set")
	}

	runContract(t, func(t *testing.T) Store {
		w, err := OpenRedisWindows(context.Background(), url)
		require.NoError(t, err)
		require.NoError(t, w.client.FlushDB(context.Background()).Err())
		s := WithWindows(NewMemory(), w)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisWindowKey(t *testing.T) {
	got := redisWindowKey(WindowKey{ClientKey: "2001:db8::1", Class: "send", Index: 42})
	assert.Equal(t, "mailgate:rl:{2001%3Adb8%3A%3A1}:send:42", got)
}

func TestRedisResetPatternIsExact(t *testing.T) {
	tests := []struct {
		reset, other string
	}{
		{"::1", "::1:5"},
		{"10.0.0.1", "10.0.0.1:send"},
		{"a*", "ab"},
		{"a?", "ab"},
		{"[ab]", "a"},
	}

	for _, tt := range tests {
		pattern := redisClientPrefix(tt.reset) + ":*"

		own, err := path.Match(pattern, redisWindowKey(WindowKey{ClientKey: tt.reset, Class: "send", Index: 1}))
		require.NoError(t, err)
		assert.True(t, own, "reset of %q must match its own windows", tt.reset)

		other, err := path.Match(pattern, redisWindowKey(WindowKey{ClientKey: tt.other, Class: "send", Index: 1}))
		require.NoError(t, err)
		assert.False(t, other, "reset of %q must not match windows of %q", tt.reset, tt.other)
	}
}
