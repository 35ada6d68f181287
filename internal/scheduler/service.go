// Package scheduler enqueues recurring actions on cron schedules and runs
// queue housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
)

// ClearCompleted is the job action that prunes completed actions.
const ClearCompleted = "clear_completed"

var ErrUnknownJob = errors.New("unknown schedule")

// Queue is the part of the engine the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, t domain.ActionType, payload map[string]any, metadata map[string]string) (string, error)
	ClearCompleted(ctx context.Context) (int, error)
}

type Job struct {
	Name     string
	Spec     string
	Action   string
	Payload  map[string]any
	Metadata map[string]string
}

type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Service struct {
	queue  Queue
	cron   *cron.Cron
	logger zerolog.Logger

	mu   sync.RWMutex
	ctx  context.Context
	jobs map[string]Job
	ids  map[string]cron.EntryID
}

func NewService(q Queue, jobs []Job) (*Service, error) {
	s := &Service{
		queue:  q,
		cron:   cron.New(),
		logger: logging.Component("scheduler"),
		ctx:    context.Background(),
		jobs:   make(map[string]Job, len(jobs)),
		ids:    make(map[string]cron.EntryID, len(jobs)),
	}
	for _, j := range jobs {
		if err := s.add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) add(j Job) error {
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("schedule %q defined twice", j.Name)
	}
	if err := ValidateCronExpression(j.Spec); err != nil {
		return fmt.Errorf("schedule %q: invalid cron expression: %w", j.Name, err)
	}
	if j.Action != ClearCompleted {
		if _, err := domain.ParseActionType(j.Action); err != nil {
			return fmt.Errorf("schedule %q: %w", j.Name, err)
		}
	}
	id, err := s.cron.AddFunc(j.Spec, func() {
		if err := s.run(s.context(), j); err != nil {
			s.logger.Error().Err(err).Str("schedule", j.Name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return err
	}
	s.jobs[j.Name] = j
	s.ids[j.Name] = id
	return nil
}

func (s *Service) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Start runs the schedules until Stop; ctx is handed to every job.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.jobs)).Msg("schedule service started")
}

// Stop halts the scheduler and waits for running jobs.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow executes the named job immediately.
func (s *Service) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Entries lists every job with its next and previous run. Before Start, Next
// is computed from the expression since cron has not scheduled anything yet.
func (s *Service) Entries() []Entry {
	now := time.Now()
	out := make([]Entry, 0, len(s.jobs))
	for name, id := range s.ids {
		e := s.cron.Entry(id)
		next := e.Next
		if next.IsZero() {
			next, _ = NextRunTime(s.jobs[name].Spec, now)
		}
		out = append(out, Entry{Name: name, Spec: s.jobs[name].Spec, Next: next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) run(ctx context.Context, j Job) error {
	if j.Action == ClearCompleted {
		n, err := s.queue.ClearCompleted(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info().Str("schedule", j.Name).Int("removed", n).Msg("cleared completed actions")
		}
		return nil
	}

	meta := make(map[string]string, len(j.Metadata)+1)
	for k, v := range j.Metadata {
		meta[k] = v
	}
	meta["schedule"] = j.Name
	id, err := s.queue.Enqueue(ctx, domain.ActionType(j.Action), j.Payload, meta)
	if err != nil {
		return err
	}
	s.logger.Info().Str("schedule", j.Name).Str("action_id", id).Str("type", j.Action).Msg("scheduled action enqueued")
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
