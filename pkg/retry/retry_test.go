package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// recordingSleep captures requested delays without actually waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig(rec *recordingSleep) *Config {
	cfg := DefaultConfig()
	cfg.Sleep = rec.sleep
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("expected InitialDelay=2s, got %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
	if cfg.RateLimitCooldown != 60*time.Second {
		t.Errorf("expected RateLimitCooldown=60s, got %v", cfg.RateLimitCooldown)
	}
}

func TestDo_Success(t *testing.T) {
	rec := &recordingSleep{}
	callCount := 0
	err := Do(context.Background(), testConfig(rec), func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no waits, got %v", rec.delays)
	}
}

func TestDo_TransientUsesExponentialSchedule(t *testing.T) {
	rec := &recordingSleep{}
	callCount := 0
	err := Do(context.Background(), testConfig(rec), func() error {
		callCount++
		return apperrors.WithKind(apperrors.KindTransient, "503", nil)
	})

	if apperrors.KindOf(err) != apperrors.KindTransient {
		t.Errorf("expected transient error after exhaustion, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 attempts, got %d", callCount)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}
}

func TestDo_RateLimitedUsesFixedCooldown(t *testing.T) {
	rec := &recordingSleep{}
	callCount := 0
	err := Do(context.Background(), testConfig(rec), func() error {
		callCount++
		return apperrors.WithKind(apperrors.KindRateLimited, "429", nil)
	})

	if !IsRateLimited(err) {
		t.Errorf("expected rate limited error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 attempts, got %d", callCount)
	}
	for i, d := range rec.delays {
		if d != 60*time.Second {
			t.Errorf("delay %d: expected 60s cooldown, got %v", i, d)
		}
	}
	if len(rec.delays) != 2 {
		t.Errorf("expected 2 waits, got %d", len(rec.delays))
	}
}

func TestDo_MixedFailuresSwitchSchedule(t *testing.T) {
	rec := &recordingSleep{}
	callCount := 0
	err := Do(context.Background(), testConfig(rec), func() error {
		callCount++
		switch callCount {
		case 1:
			return apperrors.WithKind(apperrors.KindRateLimited, "429", nil)
		case 2:
			return apperrors.WithKind(apperrors.KindTransient, "502", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(rec.delays) != 2 || rec.delays[0] != 60*time.Second || rec.delays[1] != 4*time.Second {
		t.Errorf("expected [60s 4s], got %v", rec.delays)
	}
}

func TestDo_NonRetryableKindsReturnImmediately(t *testing.T) {
	kinds := []apperrors.Kind{
		apperrors.KindAuth,
		apperrors.KindContentFiltered,
		apperrors.KindFatal,
		apperrors.KindInsufficientContent,
	}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			rec := &recordingSleep{}
			callCount := 0
			err := Do(context.Background(), testConfig(rec), func() error {
				callCount++
				return apperrors.WithKind(kind, "nope", nil)
			})

			if apperrors.KindOf(err) != kind {
				t.Errorf("expected kind %s, got %v", kind, err)
			}
			if callCount != 1 {
				t.Errorf("expected 1 call, got %d", callCount)
			}
			if len(rec.delays) != 0 {
				t.Errorf("expected no waits, got %v", rec.delays)
			}
		})
	}
}

func TestDo_UnclassifiedErrorIsNotRetried(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), testConfig(&recordingSleep{}), func() error {
		callCount++
		return errors.New("unexpected")
	})

	if err == nil {
		t.Error("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Hour

	callCount := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		callCount++
		return apperrors.WithKind(apperrors.KindTransient, "flaky", nil)
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult_KeepsResultOfSuccessfulAttempt(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), testConfig(&recordingSleep{}), func() (string, error) {
		callCount++
		if callCount < 2 {
			return "", apperrors.WithKind(apperrors.KindTransient, "reset", nil)
		}
		return "ok", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result 'ok', got %q", result)
	}
}

func TestDoWithResult_ConcurrentCallsHaveIndependentCounters(t *testing.T) {
	cfg := testConfig(&recordingSleep{})

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = DoWithResult(context.Background(), cfg, func() (int, error) {
				counts[i]++
				return 0, apperrors.WithKind(apperrors.KindTransient, "down", nil)
			})
		}(i)
	}
	wg.Wait()

	for i, c := range counts {
		if c != 3 {
			t.Errorf("caller %d: expected 3 attempts, got %d", i, c)
		}
	}
}

type explicitRetryable struct{ retry bool }

func (e explicitRetryable) Error() string     { return "explicit" }
func (e explicitRetryable) IsRetryable() bool { return e.retry }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"transient", apperrors.WithKind(apperrors.KindTransient, "x", nil), true},
		{"rate limited", apperrors.WithKind(apperrors.KindRateLimited, "x", nil), true},
		{"auth", apperrors.WithKind(apperrors.KindAuth, "x", nil), false},
		{"explicit override true", explicitRetryable{retry: true}, true},
		{"explicit override false", explicitRetryable{retry: false}, false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestNextDelay_CapsAtMaxDelay(t *testing.T) {
	cfg := &Config{InitialDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	if d := NextDelay(cfg, 3, errors.New("x")); d != 5*time.Second {
		t.Errorf("expected capped delay of 5s, got %v", d)
	}
}

func TestApplyJitter_StaysWithinBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := applyJitter(base, 0.1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-10%%", d)
		}
	}
	if applyJitter(base, 0) != base {
		t.Error("expected no jitter with factor 0")
	}
}
