package collect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/errkind"
)

// fakeCollector fails targets listed in failures, counting attempts.
type fakeCollector struct {
	mu       sync.Mutex
	attempts map[string]int
	failures map[string]error
	inflight int32
	peak     int32
	delay    time.Duration
}

func (f *fakeCollector) Collect(ctx context.Context, target config.Target) (*classify.Snapshot, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&f.peak, old, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[target.ID]++
	err := f.failures[target.ID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &classify.Snapshot{Server: target.Server, Instance: "DEFAULT"}, nil
}

func target(id string) config.Target {
	return config.Target{ID: id, Server: id, Auth: config.AuthIntegrated}
}

func TestPoolCollectsAllTargets(t *testing.T) {
	fc := &fakeCollector{}
	p := &Pool{Collector: fc, MaxParallel: 3, TargetTimeout: time.Second}

	results, err := p.Run(context.Background(), []config.Target{
		target("sql03"), target("sql01"), target("sql02"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// Deterministic ordering by target id.
	for i, want := range []string{"sql01", "sql02", "sql03"} {
		if results[i].Target.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, results[i].Target.ID)
		}
		if results[i].Err != nil || results[i].Snapshot == nil {
			t.Errorf("%s: unexpected result %+v", want, results[i])
		}
	}
}

func TestPoolBoundsParallelism(t *testing.T) {
	fc := &fakeCollector{delay: 30 * time.Millisecond}
	p := &Pool{Collector: fc, MaxParallel: 2, TargetTimeout: 5 * time.Second}

	targets := []config.Target{
		target("a"), target("b"), target("c"), target("d"), target("e"),
	}
	if _, err := p.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak := atomic.LoadInt32(&fc.peak); peak > 2 {
		t.Fatalf("parallelism exceeded bound: peak %d", peak)
	}
}

func TestPoolDemotesUnreachableTarget(t *testing.T) {
	fc := &fakeCollector{
		failures: map[string]error{
			"down": errkind.ErrTargetUnreachable,
		},
	}
	p := &Pool{Collector: fc, MaxParallel: 2, TargetTimeout: time.Second, Retries: 2}

	results, err := p.Run(context.Background(), []config.Target{target("down"), target("up")})
	if err != nil {
		t.Fatalf("pool must not fail on one unreachable target: %v", err)
	}
	var down, up *Result
	for i := range results {
		switch results[i].Target.ID {
		case "down":
			down = &results[i]
		case "up":
			up = &results[i]
		}
	}
	if down == nil || !errors.Is(down.Err, errkind.ErrTargetUnreachable) {
		t.Fatalf("expected unreachable error on down, got %+v", down)
	}
	if up == nil || up.Err != nil || up.Snapshot == nil {
		t.Fatalf("reachable target affected by the failing one: %+v", up)
	}
	// Unreachable targets are retried before being demoted.
	if fc.attempts["down"] != 3 {
		t.Errorf("expected 3 attempts on down, got %d", fc.attempts["down"])
	}
}

func TestPoolTimeoutKeepsErrorKind(t *testing.T) {
	fc := &fakeCollector{
		delay: 20 * time.Millisecond,
		failures: map[string]error{
			"down": errkind.ErrTargetUnreachable,
		},
	}
	// A retry schedule wider than the timeout: the deadline fires before the
	// attempts run out, and the result still carries the collector's error.
	p := &Pool{Collector: fc, MaxParallel: 1, TargetTimeout: 60 * time.Millisecond, Retries: 1000}

	results, err := p.Run(context.Background(), []config.Target{target("down")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(results[0].Err, errkind.ErrTargetUnreachable) {
		t.Fatalf("deadline masked the error kind: %v", results[0].Err)
	}
}

func TestPoolDoesNotRetryConfigErrors(t *testing.T) {
	fc := &fakeCollector{
		failures: map[string]error{
			"bad": errkind.Config("credential missing"),
		},
	}
	p := &Pool{Collector: fc, MaxParallel: 1, TargetTimeout: time.Second, Retries: 5}

	results, err := p.Run(context.Background(), []config.Target{target("bad")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(results[0].Err, errkind.ErrConfigInvalid) {
		t.Fatalf("expected config error, got %v", results[0].Err)
	}
	if fc.attempts["bad"] != 1 {
		t.Errorf("config errors must not be retried, got %d attempts", fc.attempts["bad"])
	}
}

func TestPoolHonorsCancellation(t *testing.T) {
	fc := &fakeCollector{delay: time.Second}
	p := &Pool{Collector: fc, MaxParallel: 1, TargetTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Run(ctx, []config.Target{target("a"), target("b"), target("c")})
	if !errors.Is(err, errkind.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestEnvCredentialSource(t *testing.T) {
	t.Setenv("SQLGUARD_CRED_SQLGUARD_PROD_02", "s3cret")
	var src EnvCredentialSource
	pw, err := src.Password("sqlguard/prod-02")
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if pw != "s3cret" {
		t.Fatalf("unexpected password %q", pw)
	}
	if _, err := src.Password("missing/ref"); !errors.Is(err, errkind.ErrConfigInvalid) {
		t.Fatalf("expected config error for unset credential, got %v", err)
	}
}

func TestVersionFamily(t *testing.T) {
	tests := map[string]string{
		"16.0.1000.6":  "2022",
		"15.0.4382.1":  "2019",
		"14.0.3456.2":  "2017",
		"13.0.6300.2":  "2016",
		"12.0.6024.0":  "2014",
		"11.0.7001.0":  "2012",
		"10.50.6000.3": "2008",
		"9.0.5000":     "9",
	}
	for in, want := range tests {
		if got := versionFamily(in); got != want {
			t.Errorf("versionFamily(%q) = %q, want %q", in, got, want)
		}
	}
}
