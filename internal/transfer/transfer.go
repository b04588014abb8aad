// Package transfer coordinates file-byte moves between two endpoints,
// where each endpoint is a node (nodeId + path) or the gateway's blob
// store (node "gsv" + key). The gateway never buffers a whole file: it
// relays binary chunks, counting bytes as they pass.
//
// State machine:
//
//	init → meta-wait → accept-wait → streaming → completing → (done | failed)
//
// Exactly one side may be "gsv"; a gsv source pumps blob bytes out, a
// gsv destination streams into a blob write. Any error, endpoint
// disconnect, or explicit failure tears the transfer down and delivers a
// single tool error to the owning session.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// GatewayNode is the reserved endpoint name for the gateway blob store.
const GatewayNode = "gsv"

// pumpChunkSize is the read size for gsv-source pumps.
const pumpChunkSize = 32 * 1024

// Transfer states.
const (
	StateInit       = "init"
	StateMetaWait   = "meta-wait"
	StateAcceptWait = "accept-wait"
	StateStreaming  = "streaming"
	StateCompleting = "completing"
)

// Endpoint names one side of a transfer.
type Endpoint struct {
	Node string `json:"node"`
	Path string `json:"path"`
}

// IsGateway reports whether the endpoint is the gateway blob store.
func (e Endpoint) IsGateway() bool { return e.Node == GatewayNode }

// Transfer is one in-flight transfer record.
type Transfer struct {
	ID               int64    `json:"transferId"`
	CallID           string   `json:"callId"`
	SessionKey       string   `json:"sessionKey"`
	Source           Endpoint `json:"source"`
	Destination      Endpoint `json:"destination"`
	State            string   `json:"state"`
	Size             int64    `json:"size,omitempty"`
	Mime             string   `json:"mime,omitempty"`
	BytesTransferred int64    `json:"bytesTransferred"`
}

// Result is the payload delivered to the session on success.
type Result struct {
	Source           Endpoint `json:"source"`
	Destination      Endpoint `json:"destination"`
	BytesTransferred int64    `json:"bytesTransferred"`
	Mime             string   `json:"mime,omitempty"`
}

// NodeLink sends frames to connected node sockets.
type NodeLink interface {
	SendEventToNode(nodeID, event string, payload any) error
	SendBinaryToNode(nodeID string, transferID int64, chunk []byte) error
	NodeOnline(nodeID string) bool
}

// BlobStore is the gateway-side endpoint.
type BlobStore interface {
	// OpenRead opens a stored blob for reading, reporting size and mime.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, int64, string, error)

	// OpenWrite creates a fixed-length writable stream for key.
	OpenWrite(ctx context.Context, key string, size int64, mime string) (io.WriteCloser, error)
}

// Manager runs the transfer table.
type Manager struct {
	logger *slog.Logger
	link   NodeLink
	blobs  BlobStore
	bridge session.Bridge

	mu      sync.Mutex
	active  map[int64]*Transfer
	writers map[int64]io.WriteCloser
	nextID  int64
	ns      *store.Namespace // transfers: id -> Transfer
	counter *store.Namespace // transferCounter: "value" -> int64
}

// NewManager creates the transfer manager. Restore must be called once
// at startup before any traffic.
func NewManager(kv store.KV, link NodeLink, blobs BlobStore, bridge session.Bridge, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "transfer"),
		link:    link,
		blobs:   blobs,
		bridge:  bridge,
		active:  make(map[int64]*Transfer),
		writers: make(map[int64]io.WriteCloser),
		ns:      store.NewNamespace(kv, "transfers:"),
		counter: store.NewNamespace(kv, "transferCounter:"),
	}
}

// Restore loads the persisted counter and fails any transfer that was
// in flight when the gateway stopped; its sockets are gone.
func (m *Manager) Restore(ctx context.Context) error {
	var next int64
	if _, err := m.counter.Get(ctx, "value", &next); err != nil {
		return err
	}
	m.mu.Lock()
	m.nextID = next
	m.mu.Unlock()

	var stale []Transfer
	if err := store.Each(ctx, m.ns, func(_ string, t Transfer) error {
		stale = append(stale, t)
		return nil
	}); err != nil {
		return err
	}
	for _, t := range stale {
		if err := m.ns.Delete(ctx, transferKey(t.ID)); err != nil {
			return err
		}
		m.deliverError(ctx, &t, "gateway restarted during transfer")
	}
	return nil
}

func transferKey(id int64) string { return fmt.Sprintf("%d", id) }

func (m *Manager) allocateID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if err := m.counter.Put(ctx, "value", id); err != nil {
		return 0, err
	}
	return id, nil
}

// Request starts a transfer on behalf of a session tool call. The
// returned id identifies the transfer in all subsequent frames.
func (m *Manager) Request(ctx context.Context, callID, sessionKey string, source, destination Endpoint) (int64, error) {
	if source.IsGateway() && destination.IsGateway() {
		return 0, protocol.Errf(protocol.CodeBadParams, "transfer between two gateway endpoints is not allowed")
	}
	if source.Node == "" || source.Path == "" || destination.Node == "" || destination.Path == "" {
		return 0, protocol.Errf(protocol.CodeBadParams, "transfer endpoints require node and path")
	}
	for _, ep := range []Endpoint{source, destination} {
		if !ep.IsGateway() && !m.link.NodeOnline(ep.Node) {
			return 0, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", ep.Node)
		}
	}

	id, err := m.allocateID(ctx)
	if err != nil {
		return 0, err
	}
	t := &Transfer{
		ID:          id,
		CallID:      callID,
		SessionKey:  sessionKey,
		Source:      source,
		Destination: destination,
		State:       StateInit,
	}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	if source.IsGateway() {
		// The gateway already knows the blob's meta; skip meta-wait.
		reader, size, mime, err := m.blobs.OpenRead(ctx, source.Path)
		if err != nil {
			m.remove(ctx, id)
			return 0, protocol.Errf(protocol.CodeNotFound, "blob not found: %s", source.Path)
		}
		_ = reader.Close() // reopened by the pump once accepted
		return id, m.applyMeta(ctx, t, size, mime)
	}

	t.State = StateMetaWait
	if err := m.persist(ctx, t); err != nil {
		return 0, err
	}
	if err := m.link.SendEventToNode(source.Node, "transfer.send", map[string]any{
		"transferId": id, "path": source.Path,
	}); err != nil {
		m.fail(ctx, t, "source disconnected")
		return 0, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", source.Node)
	}
	return id, nil
}

// HandleMeta processes transfer.meta from the source node.
func (m *Manager) HandleMeta(ctx context.Context, fromNodeID string, id, size int64, mime string) error {
	t, err := m.lookup(id, StateMetaWait)
	if err != nil {
		return err
	}
	if t.Source.Node != fromNodeID {
		return protocol.Errf(protocol.CodeForbidden, "node %s is not the source of transfer %d", fromNodeID, id)
	}
	return m.applyMeta(ctx, t, size, mime)
}

// applyMeta records size/mime and advances: a gateway destination
// auto-accepts into streaming, a node destination is offered the file.
func (m *Manager) applyMeta(ctx context.Context, t *Transfer, size int64, mime string) error {
	m.mu.Lock()
	t.Size = size
	t.Mime = mime
	m.mu.Unlock()

	if t.Destination.IsGateway() {
		w, err := m.blobs.OpenWrite(ctx, t.Destination.Path, size, mime)
		if err != nil {
			m.fail(ctx, t, fmt.Sprintf("blob write failed: %v", err))
			return protocol.AsError(err)
		}
		m.mu.Lock()
		m.writers[t.ID] = w
		t.State = StateStreaming
		m.mu.Unlock()
		if err := m.persist(ctx, t); err != nil {
			return err
		}
		return m.startSource(ctx, t)
	}

	m.mu.Lock()
	t.State = StateAcceptWait
	m.mu.Unlock()
	if err := m.persist(ctx, t); err != nil {
		return err
	}
	if err := m.link.SendEventToNode(t.Destination.Node, "transfer.receive", map[string]any{
		"transferId": t.ID, "path": t.Destination.Path, "size": size, "mime": mime,
	}); err != nil {
		m.fail(ctx, t, "destination disconnected")
		return protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", t.Destination.Node)
	}
	return nil
}

// HandleAccept processes transfer.accept from the destination node.
func (m *Manager) HandleAccept(ctx context.Context, fromNodeID string, id int64) error {
	t, err := m.lookup(id, StateAcceptWait)
	if err != nil {
		return err
	}
	if t.Destination.Node != fromNodeID {
		return protocol.Errf(protocol.CodeForbidden, "node %s is not the destination of transfer %d", fromNodeID, id)
	}
	m.mu.Lock()
	t.State = StateStreaming
	m.mu.Unlock()
	if err := m.persist(ctx, t); err != nil {
		return err
	}
	return m.startSource(ctx, t)
}

// startSource tells the source to begin streaming. A gateway source
// pumps the blob itself on a goroutine.
func (m *Manager) startSource(ctx context.Context, t *Transfer) error {
	if t.Source.IsGateway() {
		go m.pumpBlob(context.WithoutCancel(ctx), t)
		return nil
	}
	if err := m.link.SendEventToNode(t.Source.Node, "transfer.start", map[string]any{"transferId": t.ID}); err != nil {
		m.fail(ctx, t, "source disconnected")
		return protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", t.Source.Node)
	}
	return nil
}

// pumpBlob streams a stored blob to the destination node, then signals
// completion.
func (m *Manager) pumpBlob(ctx context.Context, t *Transfer) {
	reader, _, _, err := m.blobs.OpenRead(ctx, t.Source.Path)
	if err != nil {
		m.fail(ctx, t, fmt.Sprintf("blob read failed: %v", err))
		return
	}
	defer reader.Close()

	buf := make([]byte, pumpChunkSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := m.link.SendBinaryToNode(t.Destination.Node, t.ID, buf[:n]); err != nil {
				m.fail(ctx, t, "destination disconnected")
				return
			}
			m.mu.Lock()
			t.BytesTransferred += int64(n)
			m.mu.Unlock()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			m.fail(ctx, t, fmt.Sprintf("blob read failed: %v", readErr))
			return
		}
	}

	m.mu.Lock()
	t.State = StateCompleting
	m.mu.Unlock()
	if err := m.persist(ctx, t); err != nil {
		m.fail(ctx, t, "persist failed")
		return
	}
	if err := m.link.SendEventToNode(t.Destination.Node, "transfer.end", map[string]any{"transferId": t.ID}); err != nil {
		m.fail(ctx, t, "destination disconnected")
	}
}

// HandleChunk routes one binary chunk. Chunks outside the streaming
// state are dropped.
func (m *Manager) HandleChunk(ctx context.Context, id int64, chunk []byte) error {
	m.mu.Lock()
	t, ok := m.active[id]
	if !ok || t.State != StateStreaming {
		m.mu.Unlock()
		return nil
	}
	t.BytesTransferred += int64(len(chunk))
	writer := m.writers[id]
	dest := t.Destination
	m.mu.Unlock()

	if writer != nil {
		if _, err := writer.Write(chunk); err != nil {
			m.fail(ctx, t, fmt.Sprintf("blob write failed: %v", err))
			return nil
		}
		return nil
	}
	if err := m.link.SendBinaryToNode(dest.Node, id, chunk); err != nil {
		m.fail(ctx, t, "destination disconnected")
	}
	return nil
}

// HandleComplete processes transfer.complete from the source node.
func (m *Manager) HandleComplete(ctx context.Context, fromNodeID string, id int64) error {
	t, err := m.lookup(id, StateStreaming)
	if err != nil {
		return err
	}
	if t.Source.Node != fromNodeID {
		return protocol.Errf(protocol.CodeForbidden, "node %s is not the source of transfer %d", fromNodeID, id)
	}

	m.mu.Lock()
	t.State = StateCompleting
	writer := m.writers[id]
	m.mu.Unlock()

	if writer != nil {
		// Gateway destination: the blob write is the final act, no
		// transfer.done will arrive.
		if err := writer.Close(); err != nil {
			m.fail(ctx, t, fmt.Sprintf("blob finalize failed: %v", err))
			return nil
		}
		m.finalize(ctx, t)
		return nil
	}
	if err := m.persist(ctx, t); err != nil {
		return err
	}
	if err := m.link.SendEventToNode(t.Destination.Node, "transfer.end", map[string]any{"transferId": id}); err != nil {
		m.fail(ctx, t, "destination disconnected")
	}
	return nil
}

// HandleDone processes transfer.done from the destination node and
// finalizes the transfer.
func (m *Manager) HandleDone(ctx context.Context, fromNodeID string, id int64, bytesReported int64) error {
	t, err := m.lookup(id, StateCompleting)
	if err != nil {
		return err
	}
	if t.Destination.Node != fromNodeID {
		return protocol.Errf(protocol.CodeForbidden, "node %s is not the destination of transfer %d", fromNodeID, id)
	}
	if bytesReported > 0 && bytesReported != t.BytesTransferred {
		m.fail(ctx, t, fmt.Sprintf("byte count mismatch: relayed %d, destination wrote %d", t.BytesTransferred, bytesReported))
		return nil
	}
	m.finalize(ctx, t)
	return nil
}

// Fail aborts a transfer with a reason. Unknown ids are a no-op so a
// late failure report cannot error a fresh transfer.
func (m *Manager) Fail(ctx context.Context, id int64, reason string) {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.fail(ctx, t, reason)
}

// HandleNodeDisconnect fails every transfer touching the node.
func (m *Manager) HandleNodeDisconnect(ctx context.Context, nodeID string) {
	m.mu.Lock()
	var affected []*Transfer
	for _, t := range m.active {
		if t.Source.Node == nodeID || t.Destination.Node == nodeID {
			affected = append(affected, t)
		}
	}
	m.mu.Unlock()
	for _, t := range affected {
		m.fail(ctx, t, fmt.Sprintf("node disconnected: %s", nodeID))
	}
}

// Active returns a snapshot of in-flight transfers, for diagnostics.
func (m *Manager) Active() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, *t)
	}
	return out
}

func (m *Manager) lookup(id int64, wantState string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, protocol.Errf(protocol.CodeNotFound, "unknown transfer: %d", id)
	}
	if t.State != wantState {
		return nil, protocol.Errf(protocol.CodeConflict, "transfer %d is %s, not %s", id, t.State, wantState)
	}
	return t, nil
}

func (m *Manager) persist(ctx context.Context, t *Transfer) error {
	m.mu.Lock()
	snapshot := *t
	m.mu.Unlock()
	return m.ns.Put(ctx, transferKey(t.ID), snapshot)
}

// remove drops all state for a transfer, closing any blob writer.
func (m *Manager) remove(ctx context.Context, id int64) {
	m.mu.Lock()
	delete(m.active, id)
	writer := m.writers[id]
	delete(m.writers, id)
	m.mu.Unlock()
	if writer != nil {
		_ = writer.Close()
	}
	if err := m.ns.Delete(ctx, transferKey(id)); err != nil {
		m.logger.Warn("transfer record delete failed", "transfer_id", id, "error", err)
	}
}

// finalize delivers the success tool result and drops the transfer.
func (m *Manager) finalize(ctx context.Context, t *Transfer) {
	m.mu.Lock()
	result := Result{
		Source:           t.Source,
		Destination:      t.Destination,
		BytesTransferred: t.BytesTransferred,
		Mime:             t.Mime,
	}
	m.mu.Unlock()
	m.remove(ctx, t.ID)
	if _, err := m.bridge.ToolResult(ctx, t.SessionKey, session.ToolResultDelivery{
		CallID: t.CallID,
		Result: result,
	}); err != nil {
		m.logger.Warn("transfer result delivery failed", "transfer_id", t.ID, "error", err)
	}
	m.logger.Info("transfer complete", "transfer_id", t.ID, "bytes", result.BytesTransferred)
}

// fail tears the transfer down and delivers exactly one tool error.
func (m *Manager) fail(ctx context.Context, t *Transfer, reason string) {
	m.mu.Lock()
	_, stillActive := m.active[t.ID]
	m.mu.Unlock()
	if !stillActive {
		return
	}
	m.remove(ctx, t.ID)
	m.deliverError(ctx, t, reason)
}

func (m *Manager) deliverError(ctx context.Context, t *Transfer, reason string) {
	if _, err := m.bridge.ToolResult(ctx, t.SessionKey, session.ToolResultDelivery{
		CallID: t.CallID,
		Error:  reason,
	}); err != nil {
		m.logger.Warn("transfer error delivery failed", "transfer_id", t.ID, "error", err)
	}
	m.logger.Warn("transfer failed", "transfer_id", t.ID, "reason", reason)
}
