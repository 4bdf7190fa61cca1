package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		ResetTimeout:     time.Minute,
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := New("stt", testConfig())
	ctx := context.Background()
	fail := func() error { return errors.New("down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	if err := cb.Execute(ctx, fail); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen after threshold, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Errorf("state: got %v, want open", cb.GetState())
	}
}

func TestCircuitBreaker_StateVisibleWithoutProbe(t *testing.T) {
	cb := New("stt", testConfig())
	ctx := context.Background()

	// The threshold crossing must show in GetState immediately, not
	// on the next Execute.
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, func() error { return errors.New("down") })
	}
	if cb.GetState() != StateOpen {
		t.Errorf("state after threshold: got %v, want open", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := New("tts", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, func() error { return errors.New("down") })
	}
	if cb.GetState() != StateOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(25 * time.Millisecond)

	// Two successes in half-open close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("half-open probe %d rejected: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state: got %v, want closed", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := New("brain", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, func() error { return errors.New("down") })
	}
	time.Sleep(25 * time.Millisecond)

	cb.Execute(ctx, func() error { return errors.New("still down") })
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("expected reopen after half-open failure, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New("carrier", testConfig())
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errors.New("blip") })
	cb.Execute(ctx, func() error { return errors.New("blip") })
	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("blip") })
	cb.Execute(ctx, func() error { return errors.New("blip") })

	if cb.GetState() != StateClosed {
		t.Error("breaker opened despite interleaved success")
	}
}
