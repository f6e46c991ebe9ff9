package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearthchat/backend/internal/model/chat"
)

func testPolicy(maxAttempts int, delays *[]time.Duration) Policy {
	p := New(maxAttempts)
	p.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(5, &delays)

	calls := 0
	value, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls <= 4 {
			return "", &chat.APIError{Status: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do err: %v", err)
	}
	if value != "ok" {
		t.Fatalf("expected ok, got %q", value)
	}
	if calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", calls)
	}
	if len(delays) != 4 {
		t.Fatalf("expected exactly 4 retry delays, got %d", len(delays))
	}
}

func TestDoDelaysGrowExponentially(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(4, &delays)

	Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, &chat.APIError{Status: 503}
	})

	if len(delays) != 3 {
		t.Fatalf("expected 3 delays, got %d", len(delays))
	}
	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if delays[i] < base || delays[i] >= base+time.Second {
			t.Fatalf("delay %d = %v outside [%v, %v)", i, delays[i], base, base+time.Second)
		}
	}
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(5, &delays)

	calls := 0
	wantErr := &chat.APIError{Status: 400}
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delays, got %d", len(delays))
	}
}

func TestDoExhaustionPropagatesLastFailure(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(3, &delays)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, &chat.APIError{Status: 500 + calls}
	})

	var apiErr *chat.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 503 {
		t.Fatalf("expected the last failure (503), got %d", apiErr.Status)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoNetworkErrorsAreRetryable(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(2, &delays)

	calls := 0
	value, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &chat.NetworkError{Err: errors.New("connection refused")}
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("Do err: %v", err)
	}
	if value != "recovered" {
		t.Fatalf("expected recovered, got %q", value)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&chat.APIError{Status: 429}, true},
		{&chat.APIError{Status: 500}, true},
		{&chat.APIError{Status: 404}, false},
		{&chat.APIError{Status: 401}, false},
		{&chat.NetworkError{Err: errors.New("dial tcp: timeout")}, true},
		{context.DeadlineExceeded, true},
		{errors.New("request failed with status code: 502"), true},
		{errors.New("request failed with status code: 422"), false},
		{errors.New("something else entirely"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := chat.Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
