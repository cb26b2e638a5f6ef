package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := backoffWithJitter(initial, maxDelay, attempt)
		if delay < initial/2 {
			t.Fatalf("delay below jitter floor: %v", delay)
		}
		if delay > maxDelay {
			t.Fatalf("delay exceeded max: %v", delay)
		}
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := newRetrier(1, 2, 3, zerolog.Nop())
	var attempts int
	err := r.do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return retryableStatusError{status: 503}
		}
		return nil
	}, isRetryableHTTP)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierGivesUp(t *testing.T) {
	r := newRetrier(1, 2, 2, zerolog.Nop())
	var attempts int
	err := r.do(context.Background(), func() error {
		attempts++
		return retryableStatusError{status: 502}
	}, isRetryableHTTP)
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetrierHonoursContext(t *testing.T) {
	r := newRetrier(1000, 1000, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.do(ctx, func() error { return retryableStatusError{status: 503} }, isRetryableHTTP)
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableHTTP(t *testing.T) {
	if isRetryableHTTP(nil) {
		t.Fatal("nil error should not be retryable")
	}
	if !isRetryableHTTP(retryableStatusError{status: 503}) {
		t.Fatal("retryable status error should be retryable")
	}
	if isRetryableHTTP(errors.New("generic")) {
		t.Fatal("generic error should not be retryable")
	}
	if !isRetryableHTTP(&net.DNSError{IsTemporary: true}) {
		t.Fatal("temporary net error should be retryable")
	}
	if isRetryableHTTP(&apiError{Status: 404, Code: "unknown_agent"}) {
		t.Fatal("client errors should not be retryable")
	}
	require.True(t, isRetryableStatus(429))
	require.False(t, isRetryableStatus(409))
}
