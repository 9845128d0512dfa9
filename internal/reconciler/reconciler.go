// Package reconciler merges asynchronously delivered messages into canonical,
// per-conversation timelines ordered by creation time.
package reconciler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/pkg/logger"
	"github.com/defcomm/secure-sync/pkg/metrics"
)

// Outcome reports what an operation did to a conversation.
type Outcome int

const (
	// Ignored means the input was unusable (empty key or message id).
	Ignored Outcome = iota
	// Inserted means the message was added to the timeline.
	Inserted
	// Duplicate means the message id was already present.
	Duplicate
	// Patched means a call message was updated in place.
	Patched
	// CacheMiss means the conversation or message is not materialized yet.
	// The input was buffered and will be applied when the conversation loads.
	CacheMiss
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Patched:
		return "patched"
	case CacheMiss:
		return "cache_miss"
	default:
		return "ignored"
	}
}

// Refetcher reloads a conversation from the source of truth. Implementations
// must not block: the reload completes later through Reconciler.CompleteFetch.
type Refetcher interface {
	Refetch(key model.ConversationKey)
}

// RefetchFunc adapts a function to Refetcher.
type RefetchFunc func(key model.ConversationKey)

// Refetch calls f(key).
func (f RefetchFunc) Refetch(key model.ConversationKey) { f(key) }

type callPatch struct {
	messageID string
	state     model.CallState
	duration  int
}

type conversation struct {
	mu        sync.Mutex
	loaded    bool
	fetching  bool
	discarded bool
	messages []model.Message
	ids      map[string]struct{}

	pending        []model.Message
	pendingIDs     map[string]struct{}
	pendingPatches []callPatch
}

func newConversation() *conversation {
	return &conversation{
		ids:        make(map[string]struct{}),
		pendingIDs: make(map[string]struct{}),
	}
}

// Reconciler owns every materialized conversation. Operations on one key are
// serialized by that conversation's mutex; different keys never contend.
type Reconciler struct {
	localUserID string
	refetcher   Refetcher
	logger      *logger.Logger

	conversations sync.Map // model.ConversationKey -> *conversation
}

// New creates a reconciler for localUserID.
func New(localUserID string, refetcher Refetcher, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		localUserID: localUserID,
		refetcher:   refetcher,
		logger:      log.Named("reconciler"),
	}
}

func (r *Reconciler) conversation(key model.ConversationKey) *conversation {
	if c, ok := r.conversations.Load(key); ok {
		return c.(*conversation)
	}
	c, _ := r.conversations.LoadOrStore(key, newConversation())
	return c.(*conversation)
}

// lock returns the live conversation of key with its mutex held. A
// conversation discarded while waiting for the lock is replaced.
func (r *Reconciler) lock(key model.ConversationKey) *conversation {
	for {
		c := r.conversation(key)
		c.mu.Lock()
		if !c.discarded {
			return c
		}
		c.mu.Unlock()
	}
}

// Insert adds msg to the conversation unless its id is already present.
func (r *Reconciler) Insert(key model.ConversationKey, msg model.Message) Outcome {
	if !key.Valid() || msg.ID == "" {
		return r.record("insert", Ignored)
	}
	msg = msg.Clone()
	msg.Mine = msg.SenderID == r.localUserID

	c := r.lock(key)
	defer c.mu.Unlock()

	if !c.loaded {
		if _, dup := c.pendingIDs[msg.ID]; !dup {
			c.pendingIDs[msg.ID] = struct{}{}
			c.pending = append(c.pending, msg)
		}
		return r.record("insert", CacheMiss)
	}

	if _, dup := c.ids[msg.ID]; dup {
		return r.record("insert", Duplicate)
	}
	c.ids[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	sortByCreated(c.messages)
	return r.record("insert", Inserted)
}

// PatchCallStatus updates the call fields of one message. A missing
// conversation or message buffers the patch and reports CacheMiss.
func (r *Reconciler) PatchCallStatus(key model.ConversationKey, messageID string, state model.CallState, duration int) Outcome {
	if !key.Valid() || messageID == "" {
		return r.record("patch", Ignored)
	}
	p := callPatch{messageID: messageID, state: state, duration: duration}

	c := r.lock(key)
	defer c.mu.Unlock()

	if c.loaded && applyPatch(c.messages, p) {
		return r.record("patch", Patched)
	}
	c.pendingPatches = append(c.pendingPatches, p)
	return r.record("patch", CacheMiss)
}

// Invalidate marks the conversation stale and asks the refetcher to reload
// it. At most one refetch per key is outstanding.
func (r *Reconciler) Invalidate(key model.ConversationKey) {
	if !key.Valid() {
		return
	}
	c := r.lock(key)
	if c.fetching {
		c.mu.Unlock()
		return
	}
	c.fetching = true
	c.mu.Unlock()

	r.logger.Debug("conversation invalidated", zap.Stringer("conversation", key))
	if r.refetcher != nil {
		r.refetcher.Refetch(key)
	}
}

// Load materializes the conversation from server truth. Messages already
// held locally and buffered inserts survive the reload; buffered call
// patches are applied afterwards.
func (r *Reconciler) Load(key model.ConversationKey, msgs []model.Message) {
	if !key.Valid() {
		return
	}
	c := r.lock(key)
	defer c.mu.Unlock()
	r.merge(key, c, msgs)
}

// CompleteFetch applies the result of a refetch started by Invalidate. It
// reports false and drops msgs when the conversation was discarded while
// the fetch was in flight.
func (r *Reconciler) CompleteFetch(key model.ConversationKey, msgs []model.Message) bool {
	v, ok := r.conversations.Load(key)
	if !ok {
		return false
	}
	c := v.(*conversation)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarded {
		return false
	}
	r.merge(key, c, msgs)
	return true
}

// merge folds server truth, local messages and buffered input together.
// c.mu must be held.
func (r *Reconciler) merge(key model.ConversationKey, c *conversation, msgs []model.Message) {
	merged := make([]model.Message, 0, len(msgs)+len(c.messages)+len(c.pending))
	ids := make(map[string]struct{}, cap(merged))
	add := func(m model.Message) {
		if m.ID == "" {
			return
		}
		if _, dup := ids[m.ID]; dup {
			return
		}
		ids[m.ID] = struct{}{}
		m = m.Clone()
		m.Mine = m.SenderID == r.localUserID
		merged = append(merged, m)
	}
	for _, m := range msgs {
		add(m)
	}
	for _, m := range c.messages {
		add(m)
	}
	for _, m := range c.pending {
		add(m)
	}
	sortByCreated(merged)

	dropped := 0
	for _, p := range c.pendingPatches {
		if !applyPatch(merged, p) {
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Warn("call patches reference unknown messages",
			zap.Stringer("conversation", key),
			zap.Int("dropped", dropped),
		)
	}

	c.messages = merged
	c.ids = ids
	c.loaded = true
	c.fetching = false
	c.pending = nil
	c.pendingIDs = make(map[string]struct{})
	c.pendingPatches = nil
}

// FetchFailed clears the outstanding refetch so the next miss retries.
func (r *Reconciler) FetchFailed(key model.ConversationKey) {
	if c, ok := r.conversations.Load(key); ok {
		conv := c.(*conversation)
		conv.mu.Lock()
		conv.fetching = false
		conv.mu.Unlock()
	}
}

// Messages returns a copy of the timeline and whether it is materialized.
func (r *Reconciler) Messages(key model.ConversationKey) ([]model.Message, bool) {
	c, ok := r.conversations.Load(key)
	if !ok {
		return nil, false
	}
	conv := c.(*conversation)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	out := make([]model.Message, len(conv.messages))
	for i, m := range conv.messages {
		out[i] = m.Clone()
	}
	return out, conv.loaded
}

// Keys lists every conversation currently held.
func (r *Reconciler) Keys() []model.ConversationKey {
	var keys []model.ConversationKey
	r.conversations.Range(func(k, _ any) bool {
		keys = append(keys, k.(model.ConversationKey))
		return true
	})
	return keys
}

// Discard drops a conversation once its view is gone. Refetches still in
// flight for it are dropped on completion.
func (r *Reconciler) Discard(key model.ConversationKey) {
	if v, ok := r.conversations.LoadAndDelete(key); ok {
		markDiscarded(v.(*conversation))
	}
}

// Reset drops every conversation.
func (r *Reconciler) Reset() {
	r.conversations.Range(func(k, _ any) bool {
		r.Discard(k.(model.ConversationKey))
		return true
	})
}

func markDiscarded(c *conversation) {
	c.mu.Lock()
	c.discarded = true
	c.mu.Unlock()
}

func (r *Reconciler) record(op string, o Outcome) Outcome {
	metrics.RecordReconcile(op, o.String())
	return o
}

func applyPatch(msgs []model.Message, p callPatch) bool {
	for i := range msgs {
		if msgs[i].ID != p.messageID {
			continue
		}
		state := p.state
		duration := p.duration
		msgs[i].CallState = &state
		msgs[i].CallDuration = &duration
		return true
	}
	return false
}

// sortByCreated orders ascending by creation time. The sort is stable so
// equal timestamps keep arrival order.
func sortByCreated(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
