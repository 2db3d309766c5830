// Package cron schedules persisted jobs. Cron expressions use six fields
// (seconds first); "every" and "at" jobs are driven by a one-second ticker.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/mimic/internal/logger"
)

const stopTimeout = 5 * time.Second

var exprParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Handler runs one job and returns a short result for the log.
type Handler func(ctx context.Context, job CronJob) (string, error)

type Service struct {
	storePath string
	log       *logger.Logger
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     Handler
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		storePath: storePath,
		log:       log.Named("cron"),
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if err := s.load(); err != nil {
		s.log.Warn("failed to load jobs", "path", s.storePath, "error", err)
	}

	s.mu.Lock()
	s.cron = rcron.New(rcron.WithParser(exprParser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("started", "jobs", count)

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		s.log.Error("failed to register job", "job", job.Name, "expr", job.Schedule.Expr, "error", err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job CronJob) {
	s.log.Debug("executing job", "job", job.Name, "id", job.ID)

	if s.OnJob == nil {
		s.log.Warn("no job handler set", "job", job.Name)
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			s.log.Error("job failed", "job", job.Name, "error", err)
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			s.log.Info("job finished", "job", job.Name, "result", truncate(result, 100))
		}

		if s.jobs[i].DeleteAfterRun {
			s.unregister(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		s.log.Warn("failed to save jobs", "error", err)
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs collects the interval and one-shot jobs that should run now. An
// "at" job is disabled before it runs so that it fires once.
func (s *Service) dueJobs(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				job.State.LastRunAtMs = now
				due = append(due, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	c := s.cron
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
		case <-time.After(stopTimeout):
			s.log.Warn("stop timeout waiting for running jobs")
		}
	}
	s.log.Info("stopped")
}

// ValidateSchedule reports whether schedule can run.
func ValidateSchedule(schedule Schedule) error {
	switch schedule.Kind {
	case KindCron:
		if _, err := exprParser.Parse(schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", schedule.Expr, err)
		}
	case KindEvery:
		if schedule.EveryMs <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case KindAt:
		if schedule.AtMs <= 0 {
			return fmt.Errorf("run time is required")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// EnsureJob creates or updates the job with a fixed id. Its run state is
// kept when the schedule or payload changes.
func (s *Service) EnsureJob(id, name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		// jobs are loaded on Start; read them now so an existing entry is updated
		if err := s.loadLocked(); err != nil {
			s.log.Warn("failed to load jobs", "path", s.storePath, "error", err)
		}
	}

	idx := -1
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		job := NewCronJob(name, schedule, payload)
		job.ID = id
		job.DeleteAfterRun = false
		s.jobs = append(s.jobs, job)
		idx = len(s.jobs) - 1
	} else {
		s.jobs[idx].Name = name
		s.jobs[idx].Schedule = schedule
		s.jobs[idx].Payload = payload
		s.jobs[idx].Enabled = true
	}

	s.unregister(id)
	if schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[idx])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	job := s.jobs[idx]
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregister(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

// unregister must be called with s.mu held.
func (s *Service) unregister(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	var found *CronJob
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job := s.jobs[i]
			found = &job
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("job %s not found", id)
	}
	s.executeJob(*found)
	return nil
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
			if !enabled {
				s.unregister(id)
			} else if _, ok := s.entryMap[id]; !ok {
				s.registerJob(&s.jobs[i])
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// loadLocked merges stored jobs with jobs added before Start; stored jobs
// win on id conflicts.
func (s *Service) loadLocked() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode jobs: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, job := range stored {
		seen[job.ID] = true
	}
	for _, job := range s.jobs {
		if !seen[job.ID] {
			stored = append(stored, job)
		}
	}
	s.jobs = stored
	return nil
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
