// Package cronsvc persists and executes scheduled jobs. Jobs live in a
// SQL table; each job carries a tagged schedule (one-shot, interval, or
// cron expression), an execution spec (system event into the agent's
// main session, or an isolated task session), and run-state bookkeeping.
package cronsvc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Execution modes.
const (
	ModeSystemEvent = "systemEvent"
	ModeTask        = "task"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Schedule is a tagged union: exactly one of the kind-specific fields
// is meaningful.
type Schedule struct {
	Kind     string `json:"kind"`
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// Validate checks the schedule's shape.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleEvery:
		if s.EveryMs < 1000 {
			return fmt.Errorf("every schedule requires everyMs >= 1000")
		}
	case ScheduleCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun computes the next firing strictly after now, in the given
// default location. A zero time means the schedule has no future run.
func (s Schedule) NextRun(now time.Time, loc *time.Location) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		at := time.UnixMilli(s.AtMs)
		if !at.After(now) {
			return time.Time{}, nil
		}
		return at, nil

	case ScheduleEvery:
		every := time.Duration(s.EveryMs) * time.Millisecond
		anchor := now
		if s.AnchorMs > 0 {
			anchor = time.UnixMilli(s.AnchorMs)
		}
		if anchor.After(now) {
			return anchor, nil
		}
		elapsed := now.Sub(anchor)
		periods := elapsed/every + 1
		return anchor.Add(periods * every), nil

	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, err
		}
		if s.TZ != "" {
			if tzLoc, err := time.LoadLocation(s.TZ); err == nil {
				loc = tzLoc
			}
		}
		return sched.Next(now.In(loc)), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// Spec describes what a job does when it fires.
type Spec struct {
	Mode string `json:"mode"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// task
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// Validate checks the spec's shape.
func (s Spec) Validate() error {
	switch s.Mode {
	case ModeSystemEvent:
		if s.Text == "" {
			return fmt.Errorf("systemEvent spec requires text")
		}
	case ModeTask:
		if s.Message == "" {
			return fmt.Errorf("task spec requires message")
		}
	default:
		return fmt.Errorf("unknown spec mode %q", s.Mode)
	}
	return nil
}

// State is a job's run bookkeeping.
type State struct {
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// Job is one scheduled job.
type Job struct {
	ID             string   `json:"id"`
	AgentID        string   `json:"agentId"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Spec           Spec     `json:"spec"`
	State          State    `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}

// Run is one execution record.
type Run struct {
	ID          int64  `json:"id"`
	JobID       string `json:"jobId"`
	StartedAtMs int64  `json:"startedAtMs"`
	EndedAtMs   int64  `json:"endedAtMs"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

// Patch carries partial updates for cron.update. Nil fields are left
// untouched.
type Patch struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Spec           *Spec     `json:"spec,omitempty"`
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
