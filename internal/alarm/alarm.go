// Package alarm coordinates every time-driven concern in the gateway
// behind a single reprogrammable timer. Participants advertise when
// their next piece of work is due; the orchestrator sleeps until the
// earliest frontier, runs everything that is due, and re-arms.
package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

// minInterval floors the timer so a hot participant cannot spin the loop.
const minInterval = time.Second

// maxInterval bounds how long the orchestrator sleeps with no work
// scheduled, so drifted clocks and missed recomputes self-heal.
const maxInterval = 5 * time.Minute

// Participant is one time-driven subsystem.
type Participant struct {
	// Name labels the participant in logs.
	Name string

	// NextDue reports when the participant next needs to run. Zero means
	// no work is scheduled.
	NextDue func(ctx context.Context) (time.Time, error)

	// Run performs all currently due work.
	Run func(ctx context.Context) error
}

// Orchestrator owns the shared timer.
type Orchestrator struct {
	logger       *slog.Logger
	participants []Participant
	ns           *store.Namespace

	mu     sync.Mutex
	timer  *time.Timer
	wakeAt time.Time
	closed bool

	now func() time.Time
}

// New creates the orchestrator. The persisted wake time under
// "alarmState:" lets a restarted gateway know it slept through work.
func New(kv store.KV, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger: logger.With("component", "alarm"),
		ns:     store.NewNamespace(kv, "alarmState:"),
		now:    time.Now,
	}
}

// Register adds a participant. Call before Run.
func (o *Orchestrator) Register(p Participant) {
	o.participants = append(o.participants, p)
}

// Recompute re-evaluates the frontier and re-arms the timer. Subsystems
// call it whenever they schedule or cancel work.
func (o *Orchestrator) Recompute(ctx context.Context) {
	next := o.frontier(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.timer == nil {
		return
	}
	if next.Equal(o.wakeAt) {
		return
	}
	o.wakeAt = next
	o.timer.Reset(o.untilLocked(next))
	if err := o.ns.Put(ctx, "wakeAt", next.UnixMilli()); err != nil {
		o.logger.Warn("persist wake time failed", "error", err)
	}
}

// Run drives the timer loop until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	next := o.frontier(ctx)

	o.mu.Lock()
	o.wakeAt = next
	o.timer = time.NewTimer(o.untilLocked(next))
	timer := o.timer
	o.mu.Unlock()

	var persisted int64
	if found, err := o.ns.Get(ctx, "wakeAt", &persisted); err == nil && found && persisted > 0 {
		if due := time.UnixMilli(persisted); due.Before(o.now()) {
			o.logger.Info("running work missed while offline", "was_due", due)
			o.fire(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.closed = true
			timer.Stop()
			o.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
			o.fire(ctx)
			next := o.frontier(ctx)
			o.mu.Lock()
			o.wakeAt = next
			timer.Reset(o.untilLocked(next))
			o.mu.Unlock()
			if err := o.ns.Put(ctx, "wakeAt", next.UnixMilli()); err != nil {
				o.logger.Warn("persist wake time failed", "error", err)
			}
		}
	}
}

// fire runs every participant whose frontier has arrived. Participants
// are expected to tolerate being run early; Run implementations check
// due-ness themselves.
func (o *Orchestrator) fire(ctx context.Context) {
	for _, p := range o.participants {
		if err := p.Run(ctx); err != nil {
			o.logger.Warn("participant run failed", "participant", p.Name, "error", err)
		}
	}
}

// frontier returns the earliest due time across all participants,
// clamped to [now+minInterval, now+maxInterval].
func (o *Orchestrator) frontier(ctx context.Context) time.Time {
	now := o.now()
	earliest := now.Add(maxInterval)
	for _, p := range o.participants {
		due, err := p.NextDue(ctx)
		if err != nil {
			o.logger.Warn("participant frontier failed", "participant", p.Name, "error", err)
			continue
		}
		if due.IsZero() {
			continue
		}
		if due.Before(earliest) {
			earliest = due
		}
	}
	if floor := now.Add(minInterval); earliest.Before(floor) {
		return floor
	}
	return earliest
}

func (o *Orchestrator) untilLocked(next time.Time) time.Duration {
	d := next.Sub(o.now())
	if d < minInterval {
		return minInterval
	}
	return d
}
