package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryable_RealTransportErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = http.Post("http://"+addr+"/v1/responses", "application/json", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "refused connection: %v", err)

	_, err = http.Post("foo://"+addr+"/v1/responses", "application/json", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "unsupported scheme: %v", err)

	_, err = http.Post("http://[::1/v1/responses", "application/json", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "malformed url: %v", err)
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"too many requests", 429, "", true},
		{"internal error", 500, "", true},
		{"bad gateway", 502, "", true},
		{"unavailable", 503, "", true},
		{"gateway timeout", 504, "", true},
		{"not implemented", 501, "", false},
		{"bad request", 400, `{"error":{"message":"bad"}}`, false},
		{"rate limit text", 400, "Rate Limit exceeded", true},
		{"ratelimit text", 403, "ratelimited", true},
		{"overloaded text", 400, "model is OVERLOADED", true},
		{"service unavailable text", 400, "Service_Unavailable", true},
		{"upstream connect text", 400, "upstream connect error or disconnect", true},
		{"unauthorized", 401, "invalid token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableStatus(tt.status, tt.body))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsRetryable(&APIError{StatusCode: 503, Retryable: true}))
	assert.False(t, IsRetryable(&APIError{StatusCode: 400}))
	assert.False(t, IsRetryable(&StreamError{Message: "x"}))
	assert.True(t, IsRetryable(&url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}))
	assert.True(t, IsRetryable(&url.Error{Op: "Post", URL: "http://x", Err: timeoutError{}}))
	assert.True(t, IsRetryable(&url.Error{Op: "Post", URL: "http://x", Err: &net.DNSError{Err: "server misbehaving", Name: "x", IsTemporary: true}}))
	assert.False(t, IsRetryable(&url.Error{Op: "Post", URL: "http://x", Err: &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}}))
	assert.False(t, IsRetryable(&url.Error{Op: "Post", URL: "foo://x", Err: errors.New(`unsupported protocol scheme "foo"`)}))
	assert.True(t, IsRetryable(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	assert.False(t, IsRetryable(errors.New("plain failure")))
}

func TestFriendlyMessage_UsageLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	resetsAt := now.Add(42 * time.Minute).Unix()
	body := fmt.Sprintf(`{"error":{"code":"usage_limit_reached","plan_type":"plus","resets_at":%d}}`, resetsAt)

	msg := friendlyMessage("Codex", 429, body, now)

	assert.Contains(t, msg, "usage limit")
	assert.Contains(t, msg, "plus")
	assert.Equal(t, "ChatGPT usage limit reached (plus plan). Try again in ~42 min", msg)
}

func TestFriendlyMessage_UsageLimitInPast(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := fmt.Sprintf(`{"error":{"code":"usage_limit_reached","resets_at":%d}}`, now.Add(-time.Hour).Unix())

	msg := friendlyMessage("Codex", 400, body, now)
	assert.Equal(t, "ChatGPT usage limit reached. Try again in ~0 min", msg)
}

func TestFriendlyMessage_Status429WithoutCode(t *testing.T) {
	msg := friendlyMessage("Codex", 429, `{"error":{"message":"slow down"}}`, time.Now())
	assert.Equal(t, "ChatGPT usage limit reached", msg)
}

func TestFriendlyMessage_EmbeddedMessage(t *testing.T) {
	msg := friendlyMessage("Codex", 400, `{"error":{"message":"Unsupported model"}}`, time.Now())
	assert.Equal(t, "Codex API error: Unsupported model", msg)
}

func TestFriendlyMessage_GenericFallback(t *testing.T) {
	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	msg := friendlyMessage("Codex", 403, string(long), time.Now())
	assert.Equal(t, "Codex API error 403: "+string(long[:500]), msg)

	msg = friendlyMessage("Codex", 404, `{"detail":"Not Found"}`, time.Now())
	assert.Equal(t, `Codex API error 404: {"detail":"Not Found"}`, msg)
}

func TestNewStatusError(t *testing.T) {
	now := time.Now()

	retryable := newStatusError("Codex", 503, "busy", now)
	assert.True(t, retryable.Retryable)
	assert.Equal(t, "Codex API error 503: busy", retryable.Error())

	terminal := newStatusError("Codex", 400, `{"error":{"message":"nope"}}`, now)
	assert.False(t, terminal.Retryable)
	assert.Equal(t, "Codex API error: nope", terminal.Error())

	quota := newStatusError("Codex", 429, `{"error":{"code":"usage_limit_reached","plan_type":"pro"}}`, now)
	assert.False(t, quota.Retryable)
	assert.Equal(t, "ChatGPT usage limit reached (pro plan)", quota.Error())
}
