package channel

import (
	"context"
	"sort"
	"time"

	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// Entry is one channel account's registry record.
type Entry struct {
	Channel        string    `json:"channel"`
	AccountID      string    `json:"accountId"`
	Status         string    `json:"status"` // "running", "stopped"
	LastInboundAt  time.Time `json:"lastInboundAt,omitempty"`
	LastOutboundAt time.Time `json:"lastOutboundAt,omitempty"`
}

// Registry tracks known channel accounts.
type Registry struct {
	ns  *store.Namespace
	now func() time.Time
}

// NewRegistry creates the registry over the shared KV store.
func NewRegistry(kv store.KV) *Registry {
	return &Registry{ns: store.NewNamespace(kv, "channelRegistry:"), now: time.Now}
}

func entryKey(channel, accountID string) string { return channel + "|" + accountID }

func (r *Registry) get(ctx context.Context, channel, accountID string) (Entry, error) {
	var e Entry
	found, err := r.ns.Get(ctx, entryKey(channel, accountID), &e)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		e = Entry{Channel: channel, AccountID: accountID, Status: "running"}
	}
	return e, nil
}

// TouchInbound records inbound activity.
func (r *Registry) TouchInbound(ctx context.Context, channel, accountID string) error {
	e, err := r.get(ctx, channel, accountID)
	if err != nil {
		return err
	}
	e.LastInboundAt = r.now()
	return r.ns.Put(ctx, entryKey(channel, accountID), e)
}

// TouchOutbound records outbound activity.
func (r *Registry) TouchOutbound(ctx context.Context, channel, accountID string) error {
	e, err := r.get(ctx, channel, accountID)
	if err != nil {
		return err
	}
	e.LastOutboundAt = r.now()
	return r.ns.Put(ctx, entryKey(channel, accountID), e)
}

// SetStatus records a channel account's lifecycle state.
func (r *Registry) SetStatus(ctx context.Context, channel, accountID, status string) error {
	e, err := r.get(ctx, channel, accountID)
	if err != nil {
		return err
	}
	e.Status = status
	return r.ns.Put(ctx, entryKey(channel, accountID), e)
}

// List returns all known channel accounts, sorted by channel then
// account.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := store.Each(ctx, r.ns, func(_ string, e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Channel != entries[j].Channel {
			return entries[i].Channel < entries[j].Channel
		}
		return entries[i].AccountID < entries[j].AccountID
	})
	return entries, nil
}

// lastActiveStore remembers, per agent, the channel context of the most
// recent inbound message. Heartbeat deliveries use it as their target.
type lastActiveStore struct {
	ns *store.Namespace
}

func newLastActiveStore(kv store.KV) *lastActiveStore {
	return &lastActiveStore{ns: store.NewNamespace(kv, "lastActiveContext:")}
}

func (s *lastActiveStore) put(ctx context.Context, agentID string, cc session.ChannelContext) error {
	return s.ns.Put(ctx, session.NormalizeAgentID(agentID), cc)
}

func (s *lastActiveStore) get(ctx context.Context, agentID string) (session.ChannelContext, bool, error) {
	var cc session.ChannelContext
	found, err := s.ns.Get(ctx, session.NormalizeAgentID(agentID), &cc)
	return cc, found, err
}
