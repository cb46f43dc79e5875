package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/calydon/orchid/pkg/schema"
)

type fakeNetErr struct {
	timeout bool
}

func (e *fakeNetErr) Error() string   { return "dial tcp: fake network error" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"taxonomy code passes through", schema.NewError(schema.ErrCodeDataUnavailable, "x"), schema.ErrCodeDataUnavailable},
		{"wrapped taxonomy code", fmt.Errorf("wrap: %w", schema.NewError(schema.ErrCodeValidation, "x")), schema.ErrCodeValidation},
		{"non-taxonomy engine code reclassified", schema.NewError(schema.ErrCodeBuild, "x"), schema.ErrCodeUnknown},
		{"deadline exceeded", context.DeadlineExceeded, schema.ErrCodeTimeout},
		{"cancelled", context.Canceled, schema.ErrCodeCancelled},
		{"net timeout", &fakeNetErr{timeout: true}, schema.ErrCodeTimeout},
		{"net non-timeout", &fakeNetErr{}, schema.ErrCodeTransient},
		{"connection refused text", errors.New("dial: connection refused"), schema.ErrCodeTransient},
		{"too many requests text", errors.New("HTTP 429 Too Many Requests"), schema.ErrCodeTransient},
		{"service unavailable text", errors.New("503 Service Unavailable"), schema.ErrCodeExternalService},
		{"opaque error", errors.New("something odd"), schema.ErrCodeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if tc.want == "" {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected classified error, got nil")
			}
			if got.Code != tc.want {
				t.Errorf("expected code %s, got %s", tc.want, got.Code)
			}
		})
	}
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 5, Delay: "100ms"}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := Backoff(policy, attempt); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 10, Delay: "1s", MaxDelay: "3s"}

	if got := Backoff(policy, 0); got != time.Second {
		t.Errorf("attempt 0: expected 1s, got %v", got)
	}
	if got := Backoff(policy, 5); got != 3*time.Second {
		t.Errorf("attempt 5: expected cap of 3s, got %v", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	if got := Backoff(nil, 0); got != DefaultRetryDelay {
		t.Errorf("nil policy: expected %v, got %v", DefaultRetryDelay, got)
	}
	// Unparseable delay falls back to the default base.
	if got := Backoff(&schema.RetryPolicy{Delay: "nonsense"}, 1); got != 2*DefaultRetryDelay {
		t.Errorf("bad delay: expected %v, got %v", 2*DefaultRetryDelay, got)
	}
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	if err := WaitForBackoff(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("zero delay should not sleep")
	}
}

func TestWaitForBackoff_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitForBackoff(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
