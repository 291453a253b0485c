package poller

import (
	"context"
	"errors"
	"testing"

	"github.com/stefankubicki/istota/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHeartbeatPollerAlertsOnlyOnThresholdCrossing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	failing := true
	check := Check{
		UserID: "alice",
		Name:   "disk-space",
		Run: func(ctx context.Context) (bool, string, error) {
			if failing {
				return false, "disk at 98%", nil
			}
			return true, "", nil
		},
	}
	p := NewHeartbeatPoller(st, nil, []Check{check})

	for i := 0; i < ConsecutiveErrorThreshold-1; i++ {
		if err := p.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	tasks, err := st.ListTasks(ctx, store.TaskFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no alert before threshold, got %d tasks", len(tasks))
	}

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	tasks, err = st.ListTasks(ctx, store.TaskFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one alert at threshold crossing, got %d", len(tasks))
	}

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	tasks, err = st.ListTasks(ctx, store.TaskFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected no repeat alert while still failing, got %d tasks", len(tasks))
	}

	failing = false
	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	failing = true
	for i := 0; i < ConsecutiveErrorThreshold; i++ {
		if err := p.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	tasks, err = st.ListTasks(ctx, store.TaskFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected a second alert after recovery and re-failure, got %d", len(tasks))
	}
}

func TestHeartbeatPollerRunErrorCountsAsFailure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	check := Check{
		UserID: "bob",
		Name:   "api-reachable",
		Run: func(ctx context.Context) (bool, string, error) {
			return false, "", errors.New("connection refused")
		},
	}
	p := NewHeartbeatPoller(st, nil, []Check{check})
	for i := 0; i < ConsecutiveErrorThreshold; i++ {
		if err := p.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	tasks, err := st.ListTasks(ctx, store.TaskFilter{UserID: "bob"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one alert task, got %d", len(tasks))
	}
}
