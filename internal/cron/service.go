package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler runs one job invocation and returns a short result for the log.
type Handler func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Spec    string   `json:"spec"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`

	handler Handler
}

func NewJob(name, spec string, h Handler) Job {
	return Job{
		ID:      uuid.NewString()[:8],
		Name:    name,
		Spec:    spec,
		Enabled: true,
		handler: h,
	}
}

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Service runs in-process maintenance jobs on cron schedules.
type Service struct {
	logger   *zap.Logger
	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:   logger,
		entryMap: make(map[string]rcron.EntryID),
		runCtx:   context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob schedules job. Callers hold s.mu.
func (s *Service) registerJob(job *Job) {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Spec, func() {
		s.RunJob(id)
	})
	if err != nil {
		s.logger.Error("register job failed", zap.String("job", job.Name), zap.String("spec", job.Spec), zap.Error(err))
		return
	}
	s.entryMap[id] = entryID
}

// RunJob executes the job immediately. It reports false for unknown ids.
func (s *Service) RunJob(id string) bool {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job = &s.jobs[i]
			break
		}
	}
	if job == nil {
		s.mu.Unlock()
		return false
	}
	name, handler, ctx := job.Name, job.handler, s.runCtx
	s.mu.Unlock()

	result, err := handler(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = time.Now().UTC()
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			s.logger.Debug("job done", zap.String("job", name), zap.String("result", truncate(result, 100)))
		}
		break
	}
	return true
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name, spec string, h Handler) (*Job, error) {
	if h == nil {
		return nil, fmt.Errorf("job %s: handler is required", name)
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, spec, h)
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else {
					if entryID, ok := s.entryMap[id]; ok {
						s.cron.Remove(entryID)
						delete(s.entryMap, id)
					}
				}
			}
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
