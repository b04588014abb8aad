package cronsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

// ErrJobNotFound indicates no job with the given id.
var ErrJobNotFound = errors.New("cron job not found")

// Run modes for cron.run.
const (
	RunModeDue   = "due"
	RunModeForce = "force"
)

// Service owns the cron tables and job execution.
type Service struct {
	logger *slog.Logger
	cfg    *config.Store
	bridge session.Bridge
	db     *sql.DB

	mu  sync.Mutex
	now func() time.Time
}

// NewService creates the cron service and runs migrations.
func NewService(db *sql.DB, cfg *config.Store, bridge session.Bridge, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("cron migrate: %w", err)
	}
	return &Service{
		logger: logger.With("component", "cron"),
		cfg:    cfg,
		bridge: bridge,
		db:     db,
		now:    time.Now,
	}, nil
}

// AddParams creates a job. When is a natural-language alternative to an
// explicit "at" schedule ("in 2 hours", "tomorrow at 9:15 am").
type AddParams struct {
	AgentID        string   `json:"agentId,omitempty"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule `json:"schedule,omitempty"`
	When           string   `json:"when,omitempty"`
	Spec           Spec     `json:"spec"`
}

// Add creates a job and computes its first run.
func (s *Service) Add(ctx context.Context, p AddParams) (Job, error) {
	if p.Name == "" {
		return Job{}, protocol.Errf(protocol.CodeBadParams, "cron job requires a name")
	}
	count, err := s.countJobs(ctx)
	if err != nil {
		return Job{}, err
	}
	if max := s.cfg.CronMaxJobs(); count >= max {
		return Job{}, protocol.Errf(protocol.CodeConflict, "cron job limit reached (%d)", max)
	}

	now := s.now()
	schedule := p.Schedule
	if p.When != "" {
		at, err := ParseTimeSpec(p.When, now, s.cfg.UserTimezone())
		if err != nil {
			return Job{}, protocol.Errf(protocol.CodeBadParams, "bad time spec: %v", err)
		}
		schedule = Schedule{Kind: ScheduleAt, AtMs: at.UnixMilli()}
	}
	if err := schedule.Validate(); err != nil {
		return Job{}, protocol.Errf(protocol.CodeBadParams, "%v", err)
	}
	if err := p.Spec.Validate(); err != nil {
		return Job{}, protocol.Errf(protocol.CodeBadParams, "%v", err)
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	job := Job{
		ID:             uuid.NewString(),
		AgentID:        session.NormalizeAgentID(p.AgentID),
		Name:           p.Name,
		Description:    p.Description,
		Enabled:        enabled,
		DeleteAfterRun: p.DeleteAfterRun,
		Schedule:       schedule,
		Spec:           p.Spec,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
	}
	if enabled {
		next, err := schedule.NextRun(now, s.cfg.UserTimezone())
		if err != nil {
			return Job{}, err
		}
		if !next.IsZero() {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}
	if err := s.insertJob(ctx, job); err != nil {
		return Job{}, err
	}
	s.logger.Info("cron job added", "job_id", job.ID, "name", job.Name, "kind", schedule.Kind)
	return job, nil
}

// Update applies a partial patch and recomputes the next run.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (Job, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		if err := patch.Schedule.Validate(); err != nil {
			return Job{}, protocol.Errf(protocol.CodeBadParams, "%v", err)
		}
		job.Schedule = *patch.Schedule
	}
	if patch.Spec != nil {
		if err := patch.Spec.Validate(); err != nil {
			return Job{}, protocol.Errf(protocol.CodeBadParams, "%v", err)
		}
		job.Spec = *patch.Spec
	}

	now := s.now()
	job.UpdatedAtMs = now.UnixMilli()
	job.State.NextRunAtMs = 0
	if job.Enabled {
		next, err := job.Schedule.NextRun(now, s.cfg.UserTimezone())
		if err != nil {
			return Job{}, err
		}
		if !next.IsZero() {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}
	if err := s.saveJob(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Remove deletes a job and its run history.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.deleteJob(ctx, id)
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.getJob(ctx, id)
}

// List returns jobs, optionally filtered by agent.
func (s *Service) List(ctx context.Context, agentID string) ([]Job, error) {
	return s.listJobs(ctx, agentID)
}

// Status summarizes the scheduler.
func (s *Service) Status(ctx context.Context) (map[string]any, error) {
	count, err := s.countJobs(ctx)
	if err != nil {
		return nil, err
	}
	nextMs, err := s.nextDueMs(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"enabled": s.cfg.CronEnabled(),
		"jobs":    count,
	}
	if nextMs > 0 {
		out["nextRunAtMs"] = nextMs
	}
	return out, nil
}

// Runs returns execution history, newest first.
func (s *Service) Runs(ctx context.Context, jobID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.listRuns(ctx, jobID, limit)
}

// Run executes jobs on demand: an explicit id runs that job (force
// ignores its schedule), otherwise all due jobs run.
func (s *Service) Run(ctx context.Context, id, mode string) (map[string]any, error) {
	if mode == "" {
		mode = RunModeDue
	}
	if id != "" {
		job, err := s.getJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, protocol.Errf(protocol.CodeNotFound, "cron job not found: %s", id)
			}
			return nil, err
		}
		now := s.now()
		if mode != RunModeForce && (job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > now.UnixMilli()) {
			return map[string]any{"ran": 0, "skipped": "not due"}, nil
		}
		s.execute(ctx, job, now)
		return map[string]any{"ran": 1}, nil
	}
	n, err := s.RunDue(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ran": n}, nil
}

// RunDue executes every due job, bounded by the configured concurrency
// budget. The alarm orchestrator calls it.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	if !s.cfg.CronEnabled() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	limit := s.cfg.CronMaxConcurrentRuns()
	jobs, err := s.dueJobs(ctx, now.UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.execute(ctx, job, now)
	}
	return len(jobs), nil
}

// NextDue reports the earliest scheduled run, or zero when idle.
func (s *Service) NextDue(ctx context.Context) (time.Time, error) {
	if !s.cfg.CronEnabled() {
		return time.Time{}, nil
	}
	ms, err := s.nextDueMs(ctx)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// execute runs one job: dispatch, run record, state update, reschedule.
func (s *Service) execute(ctx context.Context, job Job, now time.Time) {
	started := s.now()
	job.State.RunningAtMs = started.UnixMilli()
	job.UpdatedAtMs = started.UnixMilli()
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Warn("cron job save failed", "job_id", job.ID, "error", err)
		return
	}

	err := s.dispatch(ctx, job)
	ended := s.now()

	status := StatusOK
	job.State.LastError = ""
	if err != nil {
		status = StatusError
		job.State.LastError = err.Error()
		s.logger.Warn("cron job failed", "job_id", job.ID, "name", job.Name, "error", err)
	}
	job.State.RunningAtMs = 0
	job.State.LastRunAtMs = started.UnixMilli()
	job.State.LastStatus = status
	job.State.LastDurationMs = ended.Sub(started).Milliseconds()

	run := Run{
		JobID:       job.ID,
		StartedAtMs: started.UnixMilli(),
		EndedAtMs:   ended.UnixMilli(),
		Status:      status,
		Error:       job.State.LastError,
		DurationMs:  job.State.LastDurationMs,
	}
	if err := s.insertRun(ctx, run); err != nil {
		s.logger.Warn("cron run record failed", "job_id", job.ID, "error", err)
	}
	if err := s.pruneRuns(ctx, job.ID, s.cfg.CronMaxRunsPerJob()); err != nil {
		s.logger.Warn("cron run prune failed", "job_id", job.ID, "error", err)
	}

	// Reschedule. A spent one-shot either disappears or goes dormant.
	next, nerr := job.Schedule.NextRun(ended, s.cfg.UserTimezone())
	if nerr != nil {
		s.logger.Warn("cron reschedule failed", "job_id", job.ID, "error", nerr)
		next = time.Time{}
	}
	if next.IsZero() {
		if job.DeleteAfterRun {
			if err := s.deleteJob(ctx, job.ID); err != nil {
				s.logger.Warn("cron job cleanup failed", "job_id", job.ID, "error", err)
			}
			return
		}
		job.Enabled = false
		job.State.NextRunAtMs = 0
	} else {
		job.State.NextRunAtMs = next.UnixMilli()
	}
	job.UpdatedAtMs = ended.UnixMilli()
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Warn("cron job save failed", "job_id", job.ID, "error", err)
	}
}

// dispatch hands the job's message to its target session: the agent's
// main session for system events, an isolated per-job session for tasks.
func (s *Service) dispatch(ctx context.Context, job Job) error {
	req := session.ChatSendRequest{
		RunID:          uuid.NewString(),
		IdempotencyKey: fmt.Sprintf("cron:%s:%d", job.ID, s.now().UnixMilli()),
	}
	switch job.Spec.Mode {
	case ModeSystemEvent:
		req.SessionKey = s.cfg.MainKey()
		req.Message = session.UserMessage{Text: job.Spec.Text, Sender: "cron"}

	case ModeTask:
		req.SessionKey = session.CronKey(job.AgentID, job.ID)
		req.Message = session.UserMessage{Text: job.Spec.Message, Sender: "cron"}
		if job.Spec.Model != "" || job.Spec.Thinking != "" || job.Spec.TimeoutSeconds > 0 {
			req.Overrides = &session.Overrides{
				Model:          job.Spec.Model,
				Thinking:       job.Spec.Thinking,
				TimeoutSeconds: job.Spec.TimeoutSeconds,
			}
		}
		if job.Spec.Deliver {
			req.ChannelContext = &session.ChannelContext{
				Channel:    job.Spec.Channel,
				Peer:       session.Peer{Kind: "channel", ID: job.Spec.To},
				AgentID:    job.AgentID,
				BestEffort: job.Spec.BestEffortDeliver,
			}
		}

	default:
		return fmt.Errorf("unknown spec mode %q", job.Spec.Mode)
	}

	res, err := s.bridge.ChatSend(ctx, req)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("session rejected cron turn")
	}
	return nil
}
