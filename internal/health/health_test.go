package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", Ping("store", func(context.Context) error { return nil }))
	r.Register("soroban_rpc", Ping("soroban_rpc", func(context.Context) error {
		return errors.New(`soroban rpc: status "catching_up"`)
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "store" || !statuses[0].Healthy {
		t.Fatalf("statuses out of order: %+v", statuses)
	}
	if statuses[1].Detail != `soroban rpc: status "catching_up"` {
		t.Fatalf("unexpected detail %q", statuses[1].Detail)
	}
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("horizon", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "horizon" {
		t.Fatalf("name = %q, want horizon", statuses[0].Name)
	}
}

func TestRegistryTimesOutSlowChecker(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("horizon", Ping("horizon", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should be unhealthy")
	}
	if statuses[0].Detail != context.DeadlineExceeded.Error() {
		t.Fatalf("detail = %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
