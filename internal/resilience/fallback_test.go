package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/provider/inference/mock"
	"github.com/MrWong99/stems/pkg/tensor"
)

// named returns a provider whose sessions answer with a single tensor
// called name, or fail with err.
func named(name string, err error) *mock.Provider {
	return &mock.Provider{InferFunc: func(context.Context, *tensor.Tensor, *tensor.Tensor) ([]*tensor.Tensor, error) {
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{{Name: name}}, nil
	}}
}

func newTestFallback(t *testing.T, cfg BreakerConfig, backends ...Backend) (*Fallback, *fakeClock) {
	t.Helper()
	f, err := NewFallback(cfg, backends...)
	if err != nil {
		t.Fatalf("NewFallback: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	for _, b := range f.backends {
		b.breaker.now = clock.now
	}
	return f, clock
}

func infer(t *testing.T, s inference.Session) (string, error) {
	t.Helper()
	out, err := s.Infer(context.Background(), &tensor.Tensor{}, &tensor.Tensor{})
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		t.Fatalf("got %d outputs, want 1", len(out))
	}
	return out[0].Name, nil
}

func TestNewFallback_Errors(t *testing.T) {
	if _, err := NewFallback(BreakerConfig{}); err == nil {
		t.Error("expected error without backends")
	}
	if _, err := NewFallback(BreakerConfig{}, Backend{Name: "remote"}); err == nil {
		t.Error("expected error for nil provider")
	}
}

func TestFallback_PrimaryServes(t *testing.T) {
	primary, secondary := named("primary", nil), named("secondary", nil)
	f, _ := newTestFallback(t, BreakerConfig{MaxFailures: 3},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)

	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, err := infer(t, s); err != nil || got != "primary" {
		t.Fatalf("infer = %q, %v; want primary", got, err)
	}
	if len(secondary.Sessions) != 0 {
		t.Error("secondary session opened although primary served")
	}
}

func TestFallback_Failover(t *testing.T) {
	primary, secondary := named("primary", errors.New("server unavailable")), named("secondary", nil)
	f, clock := newTestFallback(t, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)

	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if got, err := infer(t, s); err != nil || got != "secondary" {
			t.Fatalf("chunk %d: infer = %q, %v; want secondary", i, got, err)
		}
	}
	// The primary was tried until its breaker opened.
	if n := len(primary.InferCalls()); n != 2 {
		t.Errorf("primary calls = %d, want 2", n)
	}
	if st := f.States()["remote"]; st != StateOpen {
		t.Errorf("remote state = %v, want open", st)
	}

	// After the reset timeout a recovered primary serves again.
	primary.Sessions[0].InferFunc = named("primary", nil).InferFunc
	clock.advance(time.Minute)
	if got, err := infer(t, s); err != nil || got != "primary" {
		t.Fatalf("after recovery: infer = %q, %v; want primary", got, err)
	}
	if st := f.States()["remote"]; st != StateClosed {
		t.Errorf("remote state = %v, want closed", st)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !primary.Sessions[0].Closed() || !secondary.Sessions[0].Closed() {
		t.Error("session Close should close every opened backend session")
	}
}

func TestFallback_NewSessionSkipsUnavailableBackend(t *testing.T) {
	primary := &mock.Provider{NewSessionErr: errors.New("connection refused")}
	secondary := named("secondary", nil)
	f, _ := newTestFallback(t, BreakerConfig{},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)

	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(secondary.Sessions) != 1 {
		t.Fatalf("secondary sessions = %d, want 1", len(secondary.Sessions))
	}
	if got, err := infer(t, s); err != nil || got != "secondary" {
		t.Fatalf("infer = %q, %v; want secondary", got, err)
	}
}

func TestFallback_AllFailed(t *testing.T) {
	f, _ := newTestFallback(t, BreakerConfig{},
		Backend{Name: "remote", Provider: named("", errors.New("remote down"))},
		Backend{Name: "local", Provider: named("", errors.New("out of memory"))},
	)
	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = infer(t, s)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}

	down := &mock.Provider{NewSessionErr: errors.New("no device")}
	f2, _ := newTestFallback(t, BreakerConfig{}, Backend{Name: "local", Provider: down})
	if _, err := f2.NewSession(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Errorf("NewSession err = %v, want ErrAllFailed", err)
	}
}

func TestFallback_CancelledContextStops(t *testing.T) {
	secondary := named("secondary", nil)
	ctx, cancel := context.WithCancel(context.Background())
	primary := &mock.Provider{InferFunc: func(ctx context.Context, _, _ *tensor.Tensor) ([]*tensor.Tensor, error) {
		cancel()
		return nil, ctx.Err()
	}}
	f, _ := newTestFallback(t, BreakerConfig{MaxFailures: 1},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)
	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Infer(ctx, &tensor.Tensor{}, &tensor.Tensor{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(secondary.Sessions) != 0 {
		t.Error("fallback tried after cancellation")
	}
	if st := f.States()["remote"]; st != StateClosed {
		t.Errorf("remote state = %v, cancellation should not trip the breaker", st)
	}
}

func TestFallback_Check(t *testing.T) {
	primary, secondary := named("primary", nil), named("secondary", nil)
	primary.CheckErr = errors.New("model loading")
	f, _ := newTestFallback(t, BreakerConfig{},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)
	if err := f.Check(context.Background()); err != nil {
		t.Fatalf("one ready backend: %v", err)
	}

	secondary.CheckErr = errors.New("no device")
	if err := f.Check(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallback_CloseClosesBackends(t *testing.T) {
	primary, secondary := named("primary", nil), named("secondary", nil)
	f, _ := newTestFallback(t, BreakerConfig{},
		Backend{Name: "remote", Provider: primary},
		Backend{Name: "local", Provider: secondary},
	)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if primary.CloseCalls != 1 || secondary.CloseCalls != 1 {
		t.Errorf("close calls = %d, %d; want 1, 1", primary.CloseCalls, secondary.CloseCalls)
	}
}

func TestFallback_ClosedSession(t *testing.T) {
	f, _ := newTestFallback(t, BreakerConfig{}, Backend{Name: "local", Provider: named("local", nil)})
	s, err := f.NewSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := infer(t, s); !errors.Is(err, inference.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
