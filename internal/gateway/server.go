// Package gateway is the process core: it owns the WebSocket multiplexer,
// the RPC dispatcher, and the HTTP surface, and wires every subsystem —
// node service, pending ops, channels, transfers, async exec, cron,
// heartbeat, alarm — onto the shared durable store.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gsvhq/gsv/internal/alarm"
	"github.com/gsvhq/gsv/internal/asyncexec"
	"github.com/gsvhq/gsv/internal/blob"
	"github.com/gsvhq/gsv/internal/channel"
	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/cronsvc"
	"github.com/gsvhq/gsv/internal/heartbeat"
	"github.com/gsvhq/gsv/internal/nodeserv"
	"github.com/gsvhq/gsv/internal/observability"
	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/skills"
	"github.com/gsvhq/gsv/internal/store"
	"github.com/gsvhq/gsv/internal/transfer"
	"github.com/gsvhq/gsv/internal/workspace"
)

// ServerName identifies the gateway in the connect hello.
const ServerName = "gsv"

// Options configures Server construction.
type Options struct {
	Addr     string
	Config   *config.Store
	KV       store.KV
	CronDB   *sql.DB
	Bridge   session.Bridge
	Blobs    *blob.Store
	Version  string
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	FSSecret string
}

// Server is the gateway instance.
type Server struct {
	logger  *slog.Logger
	cfg     *config.Store
	metrics *observability.Metrics
	version string

	conns     *registry
	pending   *pending.Store
	nodes     *nodeserv.Service
	execs     *asyncexec.Pipeline
	transfers *transfer.Manager
	router    *channel.Router
	sessions  *session.Registry
	bridge    session.Bridge
	heartbeat *heartbeat.Scheduler
	cron      *cronsvc.Service
	alarm     *alarm.Orchestrator
	blobs     *blob.Store
	grants    *blob.GrantService
	workspace *workspace.Service
	skills    *skills.Service
	surfaces  *surfaceTable

	methods map[string]methodSpec

	idemMu sync.Mutex
	idem   map[string]idemEntry

	httpServer *http.Server
	upgrader   websocket.Upgrader

	now func() time.Time
}

type idemEntry struct {
	runID string
	at    time.Time
}

// New wires the full gateway. The session bridge and blob store are the
// two external collaborators; everything else is built here.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	fsSecret := opts.FSSecret
	if fsSecret == "" {
		// Ephemeral secret: grants stop working across restarts, which
		// only shortens their useful life.
		fsSecret = uuid.NewString()
	}

	s := &Server{
		logger:   logger.With("component", "gateway"),
		cfg:      opts.Config,
		metrics:  metrics,
		version:  opts.Version,
		conns:    newConnRegistry(),
		bridge:   opts.Bridge,
		blobs:    opts.Blobs,
		grants:   blob.NewGrantService(fsSecret),
		surfaces: newSurfaceTable(),
		idem:     make(map[string]idemEntry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}

	s.pending = pending.NewStore(opts.KV)
	s.nodes = nodeserv.NewService(opts.KV, opts.Config, s.pending, opts.Bridge, s, logger)
	s.execs = asyncexec.New(opts.KV, opts.Bridge, s.nodes, logger)
	s.nodes.SetExecTracker(s.execs)
	s.transfers = transfer.NewManager(opts.KV, s, opts.Blobs, opts.Bridge, logger)
	s.sessions = session.NewRegistry(opts.KV, logger)
	s.router = channel.NewRouter(opts.KV, opts.Config, s.sessions, opts.Bridge, s.nodes, s, logger)
	s.heartbeat = heartbeat.NewScheduler(opts.KV, opts.Config, opts.Bridge, s.router, s.sessionBusy, logger)
	cron, err := cronsvc.NewService(opts.CronDB, opts.Config, opts.Bridge, logger)
	if err != nil {
		return nil, err
	}
	s.cron = cron
	s.workspace = workspace.NewService(opts.Blobs, logger)
	s.skills = skills.NewService(opts.Config, s.nodes, logger)

	s.alarm = alarm.New(opts.KV, logger)
	s.registerAlarmParticipants()
	s.registerNativeTools()
	s.registerMethods()

	blobHTTP := blob.NewHTTPHandler(opts.Blobs, s.grants, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/fs/", blobHTTP.ServeFS)
	mux.HandleFunc("/media/", blobHTTP.ServeMedia)
	mux.HandleFunc("/session/event", s.handleSessionEvent)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{Addr: opts.Addr, Handler: mux}

	return s, nil
}

// Run starts the gateway: restore durable state, start the alarm loop,
// and serve HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.nodes.ReconcileStartup(ctx)
	if err := s.transfers.Restore(ctx); err != nil {
		return err
	}
	if err := s.heartbeat.Start(ctx); err != nil {
		return err
	}

	alarmCtx, stopAlarm := context.WithCancel(ctx)
	defer stopAlarm()
	go func() {
		if err := s.alarm.Run(alarmCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("alarm loop stopped", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown closes every peer with 1001 and stops the HTTP server.
func (s *Server) shutdown() {
	for _, p := range s.conns.allPeers() {
		p.closeWith(websocket.CloseGoingAway, "gateway shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.logger.Info("gateway stopped")
}

func (s *Server) registerAlarmParticipants() {
	s.alarm.Register(alarm.Participant{
		Name:    "pending-ops",
		NextDue: s.pending.NextDue,
		Run:     s.expirePendingOps,
	})
	s.alarm.Register(alarm.Participant{
		Name: "async-exec",
		NextDue: func(ctx context.Context) (time.Time, error) {
			return s.execs.NextDue(ctx)
		},
		Run: func(ctx context.Context) error {
			if err := s.execs.RetryDeliveries(ctx); err != nil {
				return err
			}
			return s.execs.Sweep(ctx)
		},
	})
	s.alarm.Register(alarm.Participant{
		Name: "cron",
		NextDue: func(ctx context.Context) (time.Time, error) {
			return s.cron.NextDue(ctx)
		},
		Run: func(ctx context.Context) error {
			_, err := s.cron.RunDue(ctx)
			return err
		},
	})
	s.alarm.Register(alarm.Participant{
		Name:    "heartbeat",
		NextDue: s.heartbeat.NextDue,
		Run:     s.heartbeat.Tick,
	})
	s.alarm.Register(alarm.Participant{
		Name: "probes",
		NextDue: func(context.Context) (time.Time, error) {
			return s.nodes.ProbesNextDue(), nil
		},
		Run: func(ctx context.Context) error {
			s.nodes.SweepProbes(ctx)
			return nil
		},
	})
}

// expirePendingOps sweeps the pending store and times out client-routed
// operations on their original sockets.
func (s *Server) expirePendingOps(ctx context.Context) error {
	expired, err := s.nodes.ExpireOps(ctx)
	if err != nil {
		return err
	}
	for _, op := range expired {
		if client, ok := s.conns.client(op.Route.ClientID); ok {
			_ = client.sendFrame(protocol.ErrorResponse(op.Route.FrameID, nodeserv.TimeoutError(op)))
		}
	}
	if count, err := s.pending.Count(ctx); err == nil {
		s.metrics.PendingOps.Set(float64(count))
	}
	return nil
}

// ---- nodeserv.PeerSender / transfer.NodeLink ----

// SendEventToNode enqueues an event frame on a node's socket.
func (s *Server) SendEventToNode(nodeID, event string, payload any) error {
	p, ok := s.conns.node(nodeID)
	if !ok {
		return protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", nodeID)
	}
	return p.sendEvent(event, payload)
}

// SendBinaryToNode enqueues a transfer chunk on a node's socket.
func (s *Server) SendBinaryToNode(nodeID string, transferID int64, chunk []byte) error {
	p, ok := s.conns.node(nodeID)
	if !ok {
		return protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", nodeID)
	}
	s.metrics.TransferBytes.Add(float64(len(chunk)))
	return p.enqueue(websocket.BinaryMessage, protocol.EncodeChunk(uint32(transferID), chunk))
}

// NodeOnline reports whether a node has a live socket.
func (s *Server) NodeOnline(nodeID string) bool {
	_, ok := s.conns.node(nodeID)
	return ok
}

// OnlineNodeIDs lists nodes with live sockets.
func (s *Server) OnlineNodeIDs() []string {
	return s.conns.nodeIDs()
}

// ---- session.EventSink ----

// BroadcastToSession fans a chat event out to connected clients, the
// channel router, and — for heartbeat sessions — the heartbeat handler.
func (s *Server) BroadcastToSession(sessionKey string, ev session.ChatEvent) {
	ctx := context.Background()
	for _, client := range s.conns.allClients() {
		_ = client.sendEvent("chat", ev)
	}
	s.router.HandleChatEvent(ctx, ev)
	if ev.State == "final" {
		if agentID, ok := heartbeatSessionAgent(sessionKey); ok {
			if err := s.heartbeat.HandleResult(ctx, agentID, ev.Text); err != nil {
				s.logger.Warn("heartbeat result handling failed", "agent_id", agentID, "error", err)
			}
		}
	}
	s.sessions.Touch(ctx, sessionKey)
}

// heartbeatSessionAgent extracts the agent from an internal heartbeat
// session key (agent:{id}:heartbeat:system:internal).
func heartbeatSessionAgent(sessionKey string) (string, bool) {
	parts := strings.Split(sessionKey, ":")
	if len(parts) == 5 && parts[0] == "agent" && parts[2] == "heartbeat" &&
		parts[3] == "system" && parts[4] == "internal" {
		return parts[1], true
	}
	return "", false
}

// ---- channel.Deliverer ----

// Deliver pushes an outbound message to the channel adapter socket.
func (s *Server) Deliver(ctx context.Context, d channel.Delivery) error {
	p, ok := s.conns.channelPeer(d.Channel, d.AccountID)
	if !ok {
		return protocol.Errf(protocol.CodeUnavailable, "Channel not connected: %s/%s", d.Channel, d.AccountID)
	}
	_ = ctx
	return p.sendEvent("channel.deliver", d)
}

// handleSessionEvent receives streaming chat events pushed back by the
// session actor host and fans them out.
func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if token := s.cfg.AuthToken(); token != "" {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var ev session.ChatEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if ev.SessionKey == "" || ev.State == "" {
		http.Error(w, "sessionKey and state are required", http.StatusBadRequest)
		return
	}
	s.BroadcastToSession(ev.SessionKey, ev)
	w.WriteHeader(http.StatusNoContent)
}

// sessionBusy is the heartbeat busy probe: ask the session actor for its
// state and treat an active run as busy.
func (s *Server) sessionBusy(ctx context.Context, sessionKey string) bool {
	res, err := s.bridge.Do(ctx, sessionKey, "stats", nil)
	if err != nil {
		return false
	}
	if m, ok := res.(map[string]any); ok {
		if busy, ok := m["busy"].(bool); ok {
			return busy
		}
	}
	return false
}

// rememberIdempotency records a chat.send idempotency key, returning the
// previous runId when the key was already used recently.
func (s *Server) rememberIdempotency(key, runID string) (string, bool) {
	if key == "" {
		return "", false
	}
	now := s.now()
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	for k, e := range s.idem {
		if now.Sub(e.at) > time.Hour {
			delete(s.idem, k)
		}
	}
	if prior, ok := s.idem[key]; ok {
		return prior.runID, true
	}
	s.idem[key] = idemEntry{runID: runID, at: now}
	return "", false
}
