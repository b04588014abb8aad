package nodeserv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

type sentEvent struct {
	NodeID  string
	Event   string
	Payload any
}

type fakeSender struct {
	mu     sync.Mutex
	online map[string]bool
	events []sentEvent
}

func newFakeSender(nodes ...string) *fakeSender {
	online := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		online[n] = true
	}
	return &fakeSender{online: online}
}

func (f *fakeSender) SendEventToNode(nodeID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[nodeID] {
		return errors.New("no socket")
	}
	f.events = append(f.events, sentEvent{NodeID: nodeID, Event: event, Payload: payload})
	return nil
}

func (f *fakeSender) NodeOnline(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[nodeID]
}

func (f *fakeSender) OnlineNodeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, on := range f.online {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeSender) setOnline(nodeID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[nodeID] = on
}

func (f *fakeSender) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

type fakeBridge struct {
	mu         sync.Mutex
	deliveries []session.ToolResultDelivery
	keys       []string
}

func (b *fakeBridge) ChatSend(context.Context, session.ChatSendRequest) (session.ChatSendResult, error) {
	return session.ChatSendResult{OK: true}, nil
}

func (b *fakeBridge) ToolResult(_ context.Context, sessionKey string, d session.ToolResultDelivery) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, d)
	b.keys = append(b.keys, sessionKey)
	return true, nil
}

func (b *fakeBridge) IngestAsyncExecCompletion(context.Context, string, session.AsyncExecCompletion) error {
	return nil
}

func (b *fakeBridge) Do(context.Context, string, string, json.RawMessage) (any, error) {
	return nil, nil
}

type fakeExec struct {
	mu    sync.Mutex
	nodes []string
	execs []string
}

func (e *fakeExec) RegisterRunning(_ context.Context, nodeID, execSessionID, _, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes = append(e.nodes, nodeID)
	e.execs = append(e.execs, execSessionID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, sender *fakeSender) (*Service, *fakeBridge) {
	t.Helper()
	kv := store.NewMemoryKV()
	cfg, err := config.NewStore(context.Background(), kv, nil)
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	bridge := &fakeBridge{}
	svc := NewService(kv, cfg, pending.NewStore(kv), bridge, sender, testLogger())
	return svc, bridge
}

func connectShellNode(t *testing.T, svc *Service, nodeID string) {
	t.Helper()
	tools := []session.ToolDefinition{{Name: "shell", Description: "run a command"}}
	runtime := &RuntimeInfo{
		HostCapabilities: []string{"shell.exec"},
		ToolCapabilities: map[string][]string{"shell": {"shell.exec"}},
		HostOS:           "darwin",
	}
	if err := svc.HandleNodeConnect(context.Background(), nodeID, "macos", "1.2.0", tools, runtime); err != nil {
		t.Fatalf("connect %s: %v", nodeID, err)
	}
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		t.Fatalf("not a protocol error: %v", err)
	}
	return perr.Code
}

func TestConnectRejectsCapabilityViolations(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("n1")
	svc, _ := newTestService(t, sender)

	// Unknown host capability.
	err := svc.HandleNodeConnect(ctx, "n1", "macos", "1.0", nil, &RuntimeInfo{
		HostCapabilities: []string{"teleport"},
	})
	if err == nil {
		t.Fatal("unknown capability accepted")
	}

	// Tool requires a capability the host never declared.
	err = svc.HandleNodeConnect(ctx, "n1", "macos", "1.0",
		[]session.ToolDefinition{{Name: "cam"}},
		&RuntimeInfo{ToolCapabilities: map[string][]string{"cam": {"camera"}}})
	if err == nil {
		t.Fatal("undeclared tool capability accepted")
	}

	// Tool with no capability entry at all.
	err = svc.HandleNodeConnect(ctx, "n1", "macos", "1.0",
		[]session.ToolDefinition{{Name: "cam"}}, &RuntimeInfo{})
	if err == nil {
		t.Fatal("tool without capability entry accepted")
	}
}

func TestToolsListKeepsOfflineNodes(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	if err := svc.RegisterNative(NativeTool{
		Definition: session.ToolDefinition{Name: "gsv__config_get"},
		Handler: func(context.Context, json.RawMessage, CallMeta) (any, error) {
			return "ok", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	sender.setOnline("laptop", false)
	if _, err := svc.HandleNodeDisconnect(ctx, "laptop"); err != nil {
		t.Fatal(err)
	}

	tools, err := svc.ToolsList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].Name != "gsv__config_get" {
		t.Errorf("native tool not first: %q", tools[0].Name)
	}
	if tools[1].Name != "laptop__shell" {
		t.Errorf("node tool not namespaced: %q", tools[1].Name)
	}
}

func TestSessionDispatchAndResult(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, bridge := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	res, err := svc.RequestToolForSession(ctx, "agent:main:main", "", "laptop__shell", json.RawMessage(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res["status"] != "sent" {
		t.Fatalf("status = %v", res["status"])
	}
	callID, _ := res["callId"].(string)
	if callID == "" {
		t.Fatal("no callId returned")
	}
	events := sender.sent()
	if len(events) != 1 || events[0].Event != "tool.invoke" {
		t.Fatalf("events = %+v", events)
	}

	// A result from the wrong node is unauthorized and leaves the op alive.
	if _, err := svc.HandleToolResult(ctx, "phone", callID, "out", ""); errCode(t, err) != protocol.CodeForbidden {
		t.Fatalf("wrong-node result: %v", err)
	}

	op, err := svc.HandleToolResult(ctx, "laptop", callID, map[string]any{"out": "files"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if op.Route.SessionKey != "agent:main:main" {
		t.Errorf("route = %+v", op.Route)
	}
	if len(bridge.deliveries) != 1 || bridge.deliveries[0].CallID != callID {
		t.Fatalf("deliveries = %+v", bridge.deliveries)
	}

	// A duplicate result is rejected, not delivered twice.
	if _, err := svc.HandleToolResult(ctx, "laptop", callID, "again", ""); errCode(t, err) != protocol.CodeNotFound {
		t.Fatalf("duplicate result: %v", err)
	}
	if len(bridge.deliveries) != 1 {
		t.Fatalf("duplicate delivered: %+v", bridge.deliveries)
	}
}

func TestRunningResultRegistersExec(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")
	tracker := &fakeExec{}
	svc.SetExecTracker(tracker)

	res, err := svc.RequestToolForSession(ctx, "agent:main:main", "call-9", "laptop__shell", nil)
	if err != nil {
		t.Fatal(err)
	}
	callID := res["callId"].(string)
	if callID != "call-9" {
		t.Fatalf("caller callId not kept: %q", callID)
	}

	if _, err := svc.HandleToolResult(ctx, "laptop", callID,
		map[string]any{"status": "running", "sessionId": "exec-1"}, ""); err != nil {
		t.Fatal(err)
	}
	if len(tracker.execs) != 1 || tracker.execs[0] != "exec-1" {
		t.Fatalf("exec registrations = %+v", tracker.execs)
	}
}

func TestClientDispatchDefersAndExpires(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	base := time.Now()
	svc.now = func() time.Time { return base }

	out, err := svc.RequestToolFromClient(ctx, "client-1", "frame-1", "laptop__shell", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !protocol.IsDeferred(out) {
		t.Fatalf("out = %v, want deferred", out)
	}

	svc.now = func() time.Time { return base.Add(61 * time.Second) }
	expired, err := svc.ExpireOps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Route.ClientID != "client-1" {
		t.Fatalf("expired = %+v", expired)
	}
	if TimeoutError(expired[0]).Code != protocol.CodeTimeout {
		t.Error("timeout error has wrong code")
	}
}

func TestResolveToolErrors(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	_, err := svc.RequestToolForSession(ctx, "agent:main:main", "", "nowhere__shell", nil)
	if errCode(t, err) != protocol.CodeNotFound {
		t.Fatalf("unknown node: %v", err)
	}

	sender.setOnline("laptop", false)
	_, err = svc.RequestToolForSession(ctx, "agent:main:main", "", "laptop__shell", nil)
	if errCode(t, err) != protocol.CodeUnavailable {
		t.Fatalf("offline node: %v", err)
	}
}

func TestNativeToolAnswersClientInline(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeSender())
	if err := svc.RegisterNative(NativeTool{
		Definition: session.ToolDefinition{Name: "gsv__echo"},
		Handler: func(_ context.Context, args json.RawMessage, _ CallMeta) (any, error) {
			return string(args), nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := svc.RequestToolFromClient(ctx, "c1", "f1", "gsv__echo", json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := out.(map[string]any)
	if !ok || payload["result"] != `"hi"` {
		t.Fatalf("out = %#v", out)
	}

	if err := svc.RegisterNative(NativeTool{Definition: session.ToolDefinition{Name: "badname"}}); err == nil {
		t.Fatal("unprefixed native tool accepted")
	}
}

func TestDeferredNativeOwnsItsDelivery(t *testing.T) {
	ctx := context.Background()
	svc, bridge := newTestService(t, newFakeSender())
	if err := svc.RegisterNative(NativeTool{
		Definition: session.ToolDefinition{Name: "gsv__pull"},
		Handler: func(context.Context, json.RawMessage, CallMeta) (any, error) {
			return protocol.Deferred, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RequestToolForSession(ctx, "agent:main:main", "call-7", "gsv__pull", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res["status"] != "sent" || res["callId"] != "call-7" {
		t.Fatalf("dispatch = %+v", res)
	}
	// The handler owns the terminal result for this callId; nothing goes
	// to the session now.
	if len(bridge.deliveries) != 0 {
		t.Fatalf("premature deliveries = %+v", bridge.deliveries)
	}
}

func TestLogTargetSingletonRule(t *testing.T) {
	svc, _ := newTestService(t, newFakeSender())
	if _, err := svc.resolveLogTarget(""); errCode(t, err) != protocol.CodeUnavailable {
		t.Fatalf("zero nodes: %v", err)
	}

	svc2, _ := newTestService(t, newFakeSender("a", "b"))
	if _, err := svc2.resolveLogTarget(""); errCode(t, err) != protocol.CodeBadParams {
		t.Fatalf("two nodes: %v", err)
	}

	svc3, _ := newTestService(t, newFakeSender("solo"))
	target, err := svc3.resolveLogTarget("")
	if err != nil || target != "solo" {
		t.Fatalf("one node: %q, %v", target, err)
	}
}

func TestInternalLogFetch(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	done := make(chan LogResult, 1)
	go func() {
		res, err := svc.RequestLogsInternal(ctx, "laptop", 50, 5*time.Second)
		if err != nil {
			t.Errorf("internal fetch: %v", err)
		}
		done <- res
	}()

	// Wait for the logs.get event, then answer it.
	var callID string
	deadline := time.After(2 * time.Second)
	for callID == "" {
		select {
		case <-deadline:
			t.Fatal("logs.get never sent")
		default:
		}
		for _, ev := range sender.sent() {
			if ev.Event == "logs.get" {
				callID = ev.Payload.(logGetPayload).CallID
			}
		}
		time.Sleep(time.Millisecond)
	}

	if _, _, err := svc.HandleLogsResult(ctx, "laptop", callID, []string{"line1", "line2"}, ""); err != nil {
		t.Fatal(err)
	}
	res := <-done
	if len(res.Lines) != 2 || res.NodeID != "laptop" {
		t.Fatalf("result = %+v", res)
	}
}

func TestInternalLogFetchRejectsImpostorNode(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	done := make(chan LogResult, 1)
	go func() {
		res, err := svc.RequestLogsInternal(ctx, "laptop", 50, 5*time.Second)
		if err != nil {
			t.Errorf("internal fetch: %v", err)
		}
		done <- res
	}()

	var callID string
	deadline := time.After(2 * time.Second)
	for callID == "" {
		select {
		case <-deadline:
			t.Fatal("logs.get never sent")
		default:
		}
		for _, ev := range sender.sent() {
			if ev.Event == "logs.get" {
				callID = ev.Payload.(logGetPayload).CallID
			}
		}
		time.Sleep(time.Millisecond)
	}

	// A reply from a node the request never went to is rejected and the
	// waiter survives for the real node's answer.
	if _, _, err := svc.HandleLogsResult(ctx, "phone", callID, []string{"stolen"}, ""); errCode(t, err) != protocol.CodeForbidden {
		t.Fatalf("impostor result: %v", err)
	}
	if _, _, err := svc.HandleLogsResult(ctx, "laptop", callID, []string{"real"}, ""); err != nil {
		t.Fatal(err)
	}
	res := <-done
	if len(res.Lines) != 1 || res.Lines[0] != "real" || res.NodeID != "laptop" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBinProbeLifecycle(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	if err := svc.QueueBinProbe(ctx, "laptop", "main", []string{"ffmpeg", "jq"}); err != nil {
		t.Fatal(err)
	}
	events := sender.sent()
	if len(events) != 1 || events[0].Event != "skills.bins.probe" {
		t.Fatalf("events = %+v", events)
	}
	probeID := events[0].Payload.(binProbePayload).ProbeID

	if err := svc.HandleBinProbeResult(ctx, "laptop", probeID, map[string]bool{"ffmpeg": true, "jq": false}); err != nil {
		t.Fatal(err)
	}
	info, found, err := svc.NodeRuntime(ctx, "laptop")
	if err != nil || !found {
		t.Fatalf("runtime lookup: %v, %v", found, err)
	}
	if !info.HostBinStatus["ffmpeg"] || info.HostBinStatus["jq"] {
		t.Fatalf("bin status = %+v", info.HostBinStatus)
	}

	// Fresh status suppresses a repeat probe for the same bins.
	if err := svc.QueueBinProbe(ctx, "laptop", "main", []string{"jq", "ffmpeg"}); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.sent()); got != 1 {
		t.Fatalf("repeat probe sent, events = %d", got)
	}
}

func TestForgetRequiresOffline(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("laptop")
	svc, _ := newTestService(t, sender)
	connectShellNode(t, svc, "laptop")

	if err := svc.Forget(ctx, "laptop"); !errors.Is(err, ErrNodeConnected) {
		t.Fatalf("forget online: %v", err)
	}
	sender.setOnline("laptop", false)
	if err := svc.Forget(ctx, "laptop"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := svc.NodeTools(ctx, "laptop"); found {
		t.Error("tools survived forget")
	}
	if err := svc.Forget(ctx, "laptop"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("forget unknown: %v", err)
	}
}
