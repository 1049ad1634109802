package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func okHandler(n *atomic.Int32) Handler {
	return func(ctx context.Context) (string, error) {
		n.Add(1)
		return "ok", nil
	}
}

func TestNewJob(t *testing.T) {
	job := NewJob("test", "0 * * * * *", func(context.Context) (string, error) { return "", nil })
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "test" {
		t.Errorf("name = %q, want test", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService(nil)
	var n atomic.Int32

	job, err := s.AddJob("job1", "@every 1m", okHandler(&n))
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].Spec != "@every 1m" {
		t.Errorf("spec = %q, want @every 1m", jobs[0].Spec)
	}
}

func TestService_AddJob_Invalid(t *testing.T) {
	s := NewService(nil)
	if _, err := s.AddJob("bad", "not a schedule", func(context.Context) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := s.AddJob("nil", "@every 1s", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("invalid jobs should not be stored")
	}
}

func TestService_RemoveJob(t *testing.T) {
	s := NewService(nil)
	var n atomic.Int32
	job, _ := s.AddJob("job1", "@every 1m", okHandler(&n))

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob should return true")
	}
	if s.RemoveJob(job.ID) {
		t.Error("second RemoveJob should return false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("jobs should be empty")
	}
}

func TestService_RunJob_State(t *testing.T) {
	s := NewService(nil)
	var n atomic.Int32
	okJob, _ := s.AddJob("ok", "@every 1h", okHandler(&n))
	badJob, _ := s.AddJob("bad", "@every 1h", func(context.Context) (string, error) {
		return "", fmt.Errorf("boom")
	})

	if !s.RunJob(okJob.ID) || !s.RunJob(badJob.ID) {
		t.Fatal("RunJob should find both jobs")
	}
	if s.RunJob("missing") {
		t.Error("RunJob should report unknown ids")
	}

	for _, j := range s.ListJobs() {
		switch j.ID {
		case okJob.ID:
			if j.State.LastStatus != "ok" || j.State.Runs != 1 {
				t.Errorf("ok job state = %+v", j.State)
			}
		case badJob.ID:
			if j.State.LastStatus != "error" || j.State.LastError != "boom" {
				t.Errorf("bad job state = %+v", j.State)
			}
		}
	}
	if n.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", n.Load())
	}
}

func TestService_EnableJob(t *testing.T) {
	s := NewService(nil)
	var n atomic.Int32
	job, _ := s.AddJob("job1", "@every 1h", okHandler(&n))

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}
	if _, err := s.EnableJob("missing", true); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestService_StartStop_RunsScheduled(t *testing.T) {
	s := NewService(nil)
	var n atomic.Int32
	if _, err := s.AddJob("tick", "@every 1s", okHandler(&n)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if n.Load() == 0 {
		t.Error("scheduled job never ran")
	}
}

func TestService_AddJobAfterStart(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var n atomic.Int32
	job, err := s.AddJob("late", "@every 1s", okHandler(&n))
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	_, ok := s.entryMap[job.ID]
	s.mu.Unlock()
	if !ok {
		t.Error("job added after Start should be scheduled")
	}

	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	_, ok = s.entryMap[job.ID]
	s.mu.Unlock()
	if ok {
		t.Error("disabled job should be unscheduled")
	}
}

func TestService_StopOnContextCancel(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("service did not stop after context cancel")
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("this is a long message", 10); got != "this is a ..." {
		t.Errorf("truncate = %q", got)
	}
}
