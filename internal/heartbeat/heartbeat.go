// Package heartbeat runs the per-agent check-in loop: on each tick the
// configured prompt runs inside the agent's internal heartbeat session,
// and the response is delivered to the agent's most recent conversation
// unless the agent reported all-quiet.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// OKToken is the all-quiet marker agents prepend or append when nothing
// needs attention.
const OKToken = "HEARTBEAT_OK"

// suppressBelow is the short-reply threshold: once the token is
// stripped, anything this long or shorter is noise.
const suppressBelow = 300

// dedupWindow suppresses repeat deliveries of identical text.
const dedupWindow = 24 * time.Hour

// State is one agent's heartbeat bookkeeping.
type State struct {
	NextHeartbeatAt     time.Time `json:"nextHeartbeatAt,omitempty"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt,omitempty"`
	LastHeartbeatText   string    `json:"lastHeartbeatText,omitempty"`
	LastHeartbeatSentAt time.Time `json:"lastHeartbeatSentAt,omitempty"`
}

// Delivery routes heartbeat output to a channel. The channel router
// implements it.
type Delivery interface {
	LastActiveContext(ctx context.Context, agentID string) (session.ChannelContext, bool, error)
	DeliverText(ctx context.Context, cc session.ChannelContext, text string) error
}

// BusyProbe reports whether a session is mid-run; heartbeats skip busy
// sessions rather than queue behind them.
type BusyProbe func(ctx context.Context, sessionKey string) bool

// Scheduler drives heartbeats for all configured agents.
type Scheduler struct {
	logger  *slog.Logger
	cfg     *config.Store
	bridge  session.Bridge
	deliver Delivery
	busy    BusyProbe

	ns  *store.Namespace // heartbeatState: agentId -> State
	now func() time.Time
}

// NewScheduler creates the heartbeat scheduler.
func NewScheduler(kv store.KV, cfg *config.Store, bridge session.Bridge, deliver Delivery, busy BusyProbe, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if busy == nil {
		busy = func(context.Context, string) bool { return false }
	}
	return &Scheduler{
		logger:  logger.With("component", "heartbeat"),
		cfg:     cfg,
		bridge:  bridge,
		deliver: deliver,
		busy:    busy,
		ns:      store.NewNamespace(kv, "heartbeatState:"),
		now:     time.Now,
	}
}

func (s *Scheduler) state(ctx context.Context, agentID string) (State, error) {
	var st State
	_, err := s.ns.Get(ctx, session.NormalizeAgentID(agentID), &st)
	return st, err
}

func (s *Scheduler) putState(ctx context.Context, agentID string, st State) error {
	return s.ns.Put(ctx, session.NormalizeAgentID(agentID), st)
}

// Start schedules the first tick for every agent that has heartbeats
// enabled. Existing schedules are preserved.
func (s *Scheduler) Start(ctx context.Context) error {
	now := s.now()
	for _, agentID := range s.cfg.AgentIDs() {
		every := s.cfg.HeartbeatEvery(agentID)
		if every <= 0 {
			continue
		}
		st, err := s.state(ctx, agentID)
		if err != nil {
			return err
		}
		if !st.NextHeartbeatAt.IsZero() && st.NextHeartbeatAt.After(now) {
			continue
		}
		st.NextHeartbeatAt = now.Add(every)
		if err := s.putState(ctx, agentID, st); err != nil {
			return err
		}
	}
	return nil
}

// Status reports per-agent heartbeat state.
func (s *Scheduler) Status(ctx context.Context) (map[string]any, error) {
	agents := map[string]any{}
	for _, agentID := range s.cfg.AgentIDs() {
		st, err := s.state(ctx, agentID)
		if err != nil {
			return nil, err
		}
		every := s.cfg.HeartbeatEvery(agentID)
		entry := map[string]any{
			"enabled": every > 0,
			"everyMs": every.Milliseconds(),
		}
		if !st.NextHeartbeatAt.IsZero() {
			entry["nextHeartbeatAt"] = st.NextHeartbeatAt.UnixMilli()
		}
		if !st.LastHeartbeatAt.IsZero() {
			entry["lastHeartbeatAt"] = st.LastHeartbeatAt.UnixMilli()
		}
		agents[session.NormalizeAgentID(agentID)] = entry
	}
	return map[string]any{"agents": agents}, nil
}

// Trigger forces a heartbeat for one agent immediately.
func (s *Scheduler) Trigger(ctx context.Context, agentID string) error {
	return s.runOne(ctx, session.NormalizeAgentID(agentID), true)
}

// Tick runs every agent whose heartbeat is due. The alarm orchestrator
// calls it.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	for _, agentID := range s.cfg.AgentIDs() {
		st, err := s.state(ctx, agentID)
		if err != nil {
			return err
		}
		if st.NextHeartbeatAt.IsZero() || st.NextHeartbeatAt.After(now) {
			continue
		}
		if err := s.runOne(ctx, agentID, false); err != nil {
			s.logger.Warn("heartbeat failed", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// NextDue reports the earliest scheduled heartbeat, or zero when idle.
func (s *Scheduler) NextDue(ctx context.Context) (time.Time, error) {
	var earliest time.Time
	for _, agentID := range s.cfg.AgentIDs() {
		st, err := s.state(ctx, agentID)
		if err != nil {
			return time.Time{}, err
		}
		if st.NextHeartbeatAt.IsZero() {
			continue
		}
		if earliest.IsZero() || st.NextHeartbeatAt.Before(earliest) {
			earliest = st.NextHeartbeatAt
		}
	}
	return earliest, nil
}

// runOne fires a single heartbeat: gate, dispatch, reschedule.
func (s *Scheduler) runOne(ctx context.Context, agentID string, force bool) error {
	now := s.now()
	every := s.cfg.HeartbeatEvery(agentID)
	if every <= 0 && !force {
		return nil
	}
	if every <= 0 {
		every = 30 * time.Minute
	}

	st, err := s.state(ctx, agentID)
	if err != nil {
		return err
	}
	st.NextHeartbeatAt = now.Add(every)
	defer func() {
		if err := s.putState(ctx, agentID, st); err != nil {
			s.logger.Warn("heartbeat state write failed", "agent_id", agentID, "error", err)
		}
	}()

	if !force && !withinActiveHours(s.cfg.HeartbeatActiveHours(), now.In(s.cfg.UserTimezone())) {
		s.logger.Debug("heartbeat outside active hours", "agent_id", agentID)
		return nil
	}

	key := session.HeartbeatKey(agentID)
	if !force && s.busy(ctx, key) {
		s.logger.Debug("heartbeat skipped, session busy", "agent_id", agentID)
		return nil
	}

	res, err := s.bridge.ChatSend(ctx, session.ChatSendRequest{
		SessionKey:     key,
		RunID:          uuid.NewString(),
		Message:        session.UserMessage{Text: s.cfg.HeartbeatPrompt(), Sender: "heartbeat"},
		IdempotencyKey: fmt.Sprintf("heartbeat:%s:%d", agentID, now.UnixMilli()),
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("session rejected heartbeat turn")
	}
	st.LastHeartbeatAt = now
	s.logger.Info("heartbeat dispatched", "agent_id", agentID)
	return nil
}

// HandleResult processes a heartbeat session's final response and
// decides delivery. The gateway routes final chat events for heartbeat
// session keys here.
func (s *Scheduler) HandleResult(ctx context.Context, agentID, text string) error {
	agentID = session.NormalizeAgentID(agentID)
	now := s.now()

	stripped, hadToken := stripOKToken(text)
	if hadToken && len(stripped) <= suppressBelow {
		s.logger.Debug("heartbeat all quiet", "agent_id", agentID)
		return nil
	}
	deliverable := stripped
	if deliverable == "" {
		return nil
	}

	st, err := s.state(ctx, agentID)
	if err != nil {
		return err
	}
	if deliverable == st.LastHeartbeatText && now.Sub(st.LastHeartbeatSentAt) < dedupWindow {
		s.logger.Debug("heartbeat text deduplicated", "agent_id", agentID)
		return nil
	}

	cc, found, err := s.resolveTarget(ctx, agentID)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Warn("heartbeat has no delivery target", "agent_id", agentID)
		return nil
	}
	if err := s.deliver.DeliverText(ctx, cc, deliverable); err != nil {
		return err
	}

	st.LastHeartbeatText = deliverable
	st.LastHeartbeatSentAt = now
	return s.putState(ctx, agentID, st)
}

// resolveTarget picks the delivery context: the last-active conversation
// by default, or the configured fixed target "channel:accountId".
func (s *Scheduler) resolveTarget(ctx context.Context, agentID string) (session.ChannelContext, bool, error) {
	target := s.cfg.HeartbeatTarget()
	switch target {
	case "", "last":
		return s.deliver.LastActiveContext(ctx, agentID)
	case "none":
		return session.ChannelContext{}, false, nil
	}
	channelName, accountID, _ := strings.Cut(target, ":")
	return session.ChannelContext{
		Channel:   channelName,
		AccountID: accountID,
		AgentID:   agentID,
	}, true, nil
}

// stripOKToken removes a leading or trailing HEARTBEAT_OK and reports
// whether one was present.
func stripOKToken(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(t, OKToken); ok {
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutSuffix(t, OKToken); ok {
		return strings.TrimSpace(rest), true
	}
	return t, false
}

// withinActiveHours evaluates an "HH:MM-HH:MM" window in local time.
// An empty window means always active; a window that wraps midnight
// (22:00-06:00) is honored.
func withinActiveHours(window string, now time.Time) bool {
	window = strings.TrimSpace(window)
	if window == "" {
		return true
	}
	startStr, endStr, ok := strings.Cut(window, "-")
	if !ok {
		return true
	}
	start, err1 := parseClock(startStr)
	end, err2 := parseClock(endStr)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		m = "0"
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour %q", h)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("bad minute %q", m)
	}
	return hour*60 + minute, nil
}
