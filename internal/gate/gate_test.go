package gate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"mediaq/internal/gate"
)

func TestNewClampsCapacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		want     int
	}{
		{name: "zero", capacity: 0, want: 1},
		{name: "negative", capacity: -3, want: 1},
		{name: "positive", capacity: 4, want: 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := gate.New(tc.capacity).Capacity(); got != tc.want {
				t.Errorf("Capacity() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const capacity = 2

		g := gate.New(capacity)

		var (
			running atomic.Int64
			peak    atomic.Int64
			wg      sync.WaitGroup
		)

		for range 10 {
			wg.Go(func() {
				slot, err := g.Acquire(t.Context())
				if err != nil {
					t.Errorf("Acquire() failed: %v", err)

					return
				}
				defer slot.Release()

				now := running.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}

				time.Sleep(time.Second)
				running.Add(-1)
			})
		}

		wg.Wait()

		if got := peak.Load(); got != capacity {
			t.Errorf("peak concurrency = %d, want %d", got, capacity)
		}

		if got := g.InUse(); got != 0 {
			t.Errorf("InUse() = %d after all released, want 0", got)
		}
	})
}

func TestAcquireCanceledWhileWaiting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := gate.New(1)

		held, err := g.Acquire(t.Context())
		if err != nil {
			t.Fatalf("Acquire() failed: %v", err)
		}
		defer held.Release()

		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan error, 1)
		go func() {
			_, err := g.Acquire(ctx)
			done <- err
		}()

		synctest.Wait()
		cancel()

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}

		if got := g.InUse(); got != 1 {
			t.Errorf("InUse() = %d, want 1", got)
		}
	})
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := gate.New(1)

	slot, err := g.Acquire(t.Context())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	slot.Release()
	slot.Release()

	if got := g.InUse(); got != 0 {
		t.Fatalf("InUse() = %d, want 0", got)
	}

	// a double release must not have granted extra capacity
	first, err := g.Acquire(t.Context())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer first.Release()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if _, err := g.Acquire(ctx); err == nil {
		t.Fatal("second Acquire() succeeded, want capacity exhausted")
	}
}
