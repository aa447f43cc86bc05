package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutError satisfies net.Error the way a dial timeout does.
type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func fastRetryPolicy() *RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.Interval = time.Millisecond
	return policy
}

func statusResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestRetryRecoversFromServerError(t *testing.T) {
	policy := fastRetryPolicy()

	attempts := 0
	resp, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return statusResponse(http.StatusInternalServerError), nil
		}
		return statusResponse(http.StatusOK), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestRetryReturnsFinalServerError(t *testing.T) {
	policy := fastRetryPolicy()

	attempts := 0
	resp, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
		attempts++
		return statusResponse(http.StatusBadGateway), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "the caller sees what the last attempt produced")
	assert.Equal(t, 3, attempts, "initial attempt plus the full retry budget")
}

func TestRetryRecoversFromTimeout(t *testing.T) {
	policy := fastRetryPolicy()

	attempts := 0
	resp, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, timeoutError{}
		}
		return statusResponse(http.StatusOK), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestRetryDoesNotRetryFinalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "not found", status: http.StatusNotFound},
		{name: "ok", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := fastRetryPolicy()

			attempts := 0
			resp, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
				attempts++
				return statusResponse(tt.status), nil
			})

			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetryPropagatesNonRetryableError(t *testing.T) {
	policy := fastRetryPolicy()
	boom := errors.New("tls handshake rejected")

	attempts := 0
	_, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
		attempts++
		return nil, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRetryPropagatesExhaustedNetError(t *testing.T) {
	policy := fastRetryPolicy()

	attempts := 0
	_, err := policy.Execute(context.Background(), "/mail", func() (*http.Response, error) {
		attempts++
		return nil, timeoutError{}
	})

	require.Error(t, err)
	var netErr timeoutError
	assert.ErrorAs(t, err, &netErr, "the original network error reaches the caller unchanged")
	assert.Equal(t, 3, attempts)
}
