package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/models"
)

func jobResult(status models.JobStatus, errMsg string) models.ConnectionJobResult {
	return models.ConnectionJobResult{
		ConnectionID: uuid.New(),
		Platform:     models.PlatformSlack,
		Status:       status,
		Error:        errMsg,
	}
}

func TestAggregateResults(t *testing.T) {
	tests := []struct {
		name     string
		results  []models.ConnectionJobResult
		ctxErr   error
		expected models.RunStatus
		wantErrs bool
	}{
		{
			name: "all succeeded",
			results: []models.ConnectionJobResult{
				jobResult(models.JobSucceeded, ""),
				jobResult(models.JobSucceeded, ""),
			},
			expected: models.RunSucceeded,
		},
		{
			name: "skips do not fail the run",
			results: []models.ConnectionJobResult{
				jobResult(models.JobSucceeded, ""),
				jobResult(models.JobSkipped, "connection is expired"),
			},
			expected: models.RunSucceeded,
		},
		{
			name: "mixed outcome is partial failure",
			results: []models.ConnectionJobResult{
				jobResult(models.JobSucceeded, ""),
				jobResult(models.JobFailed, "slack: transient failure"),
			},
			expected: models.RunPartiallyFailed,
			wantErrs: true,
		},
		{
			name: "all failed",
			results: []models.ConnectionJobResult{
				jobResult(models.JobFailed, "boom"),
				jobResult(models.JobFailed, "boom"),
			},
			expected: models.RunFailed,
			wantErrs: true,
		},
		{
			name:     "no connections",
			results:  nil,
			expected: models.RunSucceeded,
		},
		{
			name: "deadline with partial progress",
			results: []models.ConnectionJobResult{
				jobResult(models.JobSucceeded, ""),
			},
			ctxErr:   context.DeadlineExceeded,
			expected: models.RunPartiallyFailed,
			wantErrs: true,
		},
		{
			name:     "deadline with no progress",
			results:  nil,
			ctxErr:   context.DeadlineExceeded,
			expected: models.RunFailed,
			wantErrs: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, errs := aggregateResults(tt.results, tt.ctxErr)
			if status != tt.expected {
				t.Errorf("status = %s, want %s", status, tt.expected)
			}
			if tt.wantErrs && len(errs) == 0 {
				t.Error("expected error detail to be preserved")
			}
			if !tt.wantErrs && len(errs) != 0 {
				t.Errorf("unexpected error detail: %v", errs)
			}
		})
	}
}

func retryOrchestrator(maxRetries int) *Orchestrator {
	return New(Options{
		Config: config.DiscoveryConfig{
			MaxRetries:     maxRetries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
		},
	})
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	o := retryOrchestrator(3)

	calls := 0
	attempts, err := o.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &connectors.TransientError{Platform: models.PlatformSlack, StatusCode: 503, Err: errors.New("down")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetry_AuthFailsImmediately(t *testing.T) {
	o := retryOrchestrator(3)

	calls := 0
	attempts, err := o.withRetry(context.Background(), func() error {
		calls++
		return &connectors.AuthError{Platform: models.PlatformSlack, Reason: "revoked"}
	})
	if !connectors.IsAuth(err) {
		t.Fatalf("error = %v, want auth error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: auth errors are never retried", calls)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetry_Exhaustion(t *testing.T) {
	o := retryOrchestrator(2)

	calls := 0
	attempts, err := o.withRetry(context.Background(), func() error {
		calls++
		return &connectors.TransientError{Platform: models.PlatformSlack, StatusCode: 500, Err: errors.New("down")}
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !connectors.IsTransient(err) {
		t.Errorf("exhaustion error should still wrap the transient cause: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want initial attempt plus 2 retries", calls)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	o := New(Options{
		Config: config.DiscoveryConfig{
			MaxRetries:     5,
			InitialBackoff: time.Hour,
			MaxBackoff:     time.Hour,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts, err := o.withRetry(ctx, func() error {
		calls++
		return &connectors.TransientError{Platform: models.PlatformSlack, StatusCode: 429, Err: errors.New("limited")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", calls)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want the one call made before cancellation", attempts)
	}
}

func TestBackoff_HonorsRetryAfterHint(t *testing.T) {
	o := retryOrchestrator(3)

	hint := 750 * time.Millisecond
	err := &connectors.TransientError{
		Platform:   models.PlatformSlack,
		StatusCode: 429,
		RetryAfter: hint,
		Err:        errors.New("rate limited"),
	}
	if got := o.backoff(1, err); got != hint {
		t.Errorf("backoff = %v, want platform hint %v", got, hint)
	}
}

func TestBackoff_CappedExponential(t *testing.T) {
	o := New(Options{
		Config: config.DiscoveryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     8 * time.Second,
		},
	})
	plain := errors.New("no hint")

	for attempt := 1; attempt <= 6; attempt++ {
		wait := o.backoff(attempt, plain)
		if wait > 8*time.Second {
			t.Errorf("attempt %d backoff %v exceeds cap", attempt, wait)
		}
		if wait < 0 {
			t.Errorf("attempt %d backoff %v negative", attempt, wait)
		}
	}

	// With jitter the wait stays within [cap/2, cap] once the cap is reached.
	if wait := o.backoff(6, plain); wait < 4*time.Second {
		t.Errorf("capped backoff %v below jitter floor", wait)
	}
}
