package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const (
	retryBodyLimit    = 300
	terminalBodyLimit = 500
)

var retryablePattern = regexp.MustCompile(`(?i)rate.?limit|overloaded|service.?unavailable|upstream.?connect`)

// APIError is a non-200 response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Body       string
	Retryable  bool
}

func (e *APIError) Error() string {
	return e.Message
}

// StreamError is a failure reported inside an event stream.
type StreamError struct {
	Provider string
	Message  string
}

func (e *StreamError) Error() string {
	return e.Message
}

// IsRetryableStatus reports whether a status/body pair is worth another attempt.
func IsRetryableStatus(status int, body string) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return retryablePattern.MatchString(body)
}

// IsRetryable classifies err as transient or terminal. Timeouts, refused or
// reset connections and truncated streams are transient. Malformed URLs,
// unsupported schemes and unknown hosts fail immediately, and a cancelled
// caller context never retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// newStatusError turns a failed HTTP exchange into an APIError, translating
// the body into a readable message when the failure is terminal.
func newStatusError(provider string, status int, body string, now time.Time) *APIError {
	// an exhausted plan quota resets in minutes or hours, not seconds
	if IsRetryableStatus(status, body) && !isUsageLimit(body) {
		return &APIError{
			Provider:   provider,
			StatusCode: status,
			Body:       body,
			Retryable:  true,
			Message:    fmt.Sprintf("%s API error %d: %s", provider, status, truncate(body, retryBodyLimit)),
		}
	}
	return &APIError{
		Provider:   provider,
		StatusCode: status,
		Body:       body,
		Message:    friendlyMessage(provider, status, body, now),
	}
}

type errorEnvelope struct {
	Error *struct {
		Code     string   `json:"code"`
		Type     string   `json:"type"`
		Message  string   `json:"message"`
		PlanType string   `json:"plan_type"`
		ResetsAt *float64 `json:"resets_at"`
	} `json:"error"`
}

func isUsageLimit(body string) bool {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.Error == nil {
		return false
	}
	return strings.Contains(env.Error.Code, "usage_limit")
}

func friendlyMessage(provider string, status int, body string, now time.Time) string {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Error != nil {
		e := env.Error
		if strings.Contains(e.Code, "usage_limit") || status == 429 {
			msg := "ChatGPT usage limit reached"
			if e.PlanType != "" {
				msg += fmt.Sprintf(" (%s plan)", e.PlanType)
			}
			if e.ResetsAt != nil && *e.ResetsAt > 0 {
				msg += fmt.Sprintf(". Try again in ~%d min", minutesUntil(*e.ResetsAt, now))
			}
			return msg
		}
		if e.Message != "" {
			return fmt.Sprintf("%s API error: %s", provider, e.Message)
		}
	}
	return fmt.Sprintf("%s API error %d: %s", provider, status, truncate(body, terminalBodyLimit))
}

// minutesUntil rounds the distance to an epoch-seconds reset time, floored at 0.
func minutesUntil(resetsAt float64, now time.Time) int {
	diffMs := resetsAt*1000 - float64(now.UnixMilli())
	mins := math.Round(diffMs / 60000)
	if mins < 0 {
		return 0
	}
	return int(mins)
}
