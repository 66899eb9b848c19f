package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func tasks(n int) []*Task {
	out := make([]*Task, n)
	for i := range out {
		out[i] = &Task{ID: fmt.Sprintf("t%d", i), Payload: i}
	}
	return out
}

func TestRunIsolatesFailures(t *testing.T) {
	errOdd := errors.New("odd")
	fn := func(ctx context.Context, task *Task) (any, error) {
		n := task.Payload.(int)
		switch {
		case n == 3:
			panic("boom")
		case n%2 == 1:
			return nil, errOdd
		}
		return n * 10, nil
	}

	results, err := Run(context.Background(), Config{Workers: 3, QueueSize: 2}, fn, nil, tasks(8))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("got %d results, want 8", len(results))
	}
	for i, r := range results {
		if r.TaskID != fmt.Sprintf("t%d", i) {
			t.Errorf("result %d has id %s", i, r.TaskID)
		}
		switch {
		case i == 3:
			if r.Success || r.Error == nil {
				t.Errorf("panicking task reported %+v", r)
			}
		case i%2 == 1:
			if r.Success || !errors.Is(r.Error, errOdd) {
				t.Errorf("task %d = %+v, want errOdd", i, r)
			}
		default:
			if !r.Success || r.Data.(int) != i*10 {
				t.Errorf("task %d = %+v, want success", i, r)
			}
		}
	}
}

func TestPoolStats(t *testing.T) {
	var calls int64
	fn := func(ctx context.Context, task *Task) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, nil
	}
	p, err := New(Config{Workers: 2}, fn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start(context.Background())
	go func() {
		for range p.Results() {
		}
	}()
	for _, task := range tasks(5) {
		if err := p.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Stop()
	p.Stop()

	s := p.Stats()
	if s.TasksSubmitted != 5 || s.TasksCompleted != 5 || s.TasksFailed != 0 || calls != 5 {
		t.Errorf("stats = %+v calls = %d", s, calls)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn := func(ctx context.Context, task *Task) (any, error) { return nil, nil }
	results, err := Run(ctx, Config{Workers: 1, QueueSize: 1}, fn, nil, tasks(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if r.Success || !errors.Is(r.Error, context.Canceled) {
			t.Errorf("result %+v, want context.Canceled", r)
		}
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil worker func")
	}
}

func TestRunLogsStats(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fn := func(ctx context.Context, task *Task) (any, error) {
		if task.Payload.(int) == 0 {
			return nil, errors.New("first fails")
		}
		return nil, nil
	}
	if _, err := Run(context.Background(), Config{Workers: 2}, fn, zap.New(core), tasks(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := logs.FilterMessage("worker pool finished").All()
	if len(entries) != 1 {
		t.Fatalf("got %d finish entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["submitted"] != int64(3) || fields["completed"] != int64(2) || fields["failed"] != int64(1) {
		t.Errorf("fields = %v", fields)
	}
}
