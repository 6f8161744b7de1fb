package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultStoreTimeout bounds every storage round-trip issued by the
// manager.
const defaultStoreTimeout = 10 * time.Second

// TransitionCallback observes a committed status change.
type TransitionCallback func(old, next Status, s *Session)

// transitionEntry pairs a callback with its dispatch priority.
type transitionEntry struct {
	priority int
	fn       TransitionCallback
}

// Manager owns session records on top of a Store backend. All exported
// methods are safe for concurrent use from many calls.
type Manager struct {
	store        Store
	storeTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	callbacks []transitionEntry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStoreTimeout overrides the per-operation storage timeout.
func WithStoreTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.storeTimeout = d }
}

// WithManagerClock overrides the wall clock. Test hook.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over the given backend.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers cb to run on every committed status change.
// Callbacks run synchronously in non-increasing priority order; a
// panicking callback is recovered and logged and never blocks later
// callbacks or the transition itself.
func (m *Manager) OnTransition(priority int, cb TransitionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, transitionEntry{priority: priority, fn: cb})
	sort.SliceStable(m.callbacks, func(i, j int) bool {
		return m.callbacks[i].priority > m.callbacks[j].priority
	})
}

func (m *Manager) fireTransition(old, next Status, s *Session) {
	m.mu.Lock()
	entries := make([]transitionEntry, len(m.callbacks))
	copy(entries, m.callbacks)
	m.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("session: transition callback panicked",
						"conversation_id", s.ConversationID, "old", old, "new", next, "panic", r)
				}
			}()
			e.fn(old, next, s)
		}()
	}
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storeTimeout)
}

// CreateParams seeds a new session record.
type CreateParams struct {
	Platform    string
	BotName     string
	Caller      string
	MediaFormat string
	Metadata    map[string]any
}

// Create allocates and persists a new session in status initiated.
func (m *Manager) Create(ctx context.Context, id string, p CreateParams) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	now := m.now()
	s := &Session{
		ConversationID: id,
		Platform:       p.Platform,
		BotName:        p.BotName,
		Caller:         p.Caller,
		MediaFormat:    p.MediaFormat,
		Status:         StatusInitiated,
		CreatedAt:      now,
		LastActivity:   now,
		Metadata:       p.Metadata,
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("session created", "conversation_id", id, "platform", p.Platform, "caller", p.Caller)
	return s, nil
}

// Get loads a session. When updateActivity is true the record's
// last-activity timestamp is refreshed and persisted. Returns nil
// (without error) when the session does not exist.
func (m *Manager) Get(ctx context.Context, id string, updateActivity bool) (*Session, error) {
	s, err := m.load(ctx, id, updateActivity)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if updateActivity {
		s.LastActivity = m.now()
		if err := m.persist(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Update applies a typed mutation to a stored session. Reports false
// when the session does not exist or when a requested status transition
// violates the lifecycle DAG.
func (m *Manager) Update(ctx context.Context, id string, u Update) (bool, error) {
	s, err := m.load(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	old, next, changed, ok := s.apply(u)
	if !ok {
		slog.Warn("session: rejected illegal status transition",
			"conversation_id", id, "from", old, "to", next)
		return false, fmt.Errorf("session: illegal transition %s → %s for %q", old, next, id)
	}
	s.LastActivity = m.now()
	if err := m.persist(ctx, s); err != nil {
		return false, err
	}
	if changed {
		m.fireTransition(old, next, s)
	}
	return true, nil
}

// AppendConversation appends an item to the session history.
func (m *Manager) AppendConversation(ctx context.Context, id string, item ConversationItem) error {
	s, err := m.load(ctx, id, false)
	if err != nil {
		return err
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = m.now()
	}
	s.Conversation = append(s.Conversation, item)
	s.LastActivity = m.now()
	return m.persist(ctx, s)
}

// RecordFunctionCall upserts a function-call record keyed by call id.
func (m *Manager) RecordFunctionCall(ctx context.Context, id string, rec FunctionCallRecord) error {
	s, err := m.load(ctx, id, false)
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	replaced := false
	for i := range s.FunctionCalls {
		if s.FunctionCalls[i].CallID == rec.CallID {
			s.FunctionCalls[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.FunctionCalls = append(s.FunctionCalls, rec)
	}
	s.LastActivity = m.now()
	return m.persist(ctx, s)
}

// Resume re-activates a previously persisted session. It returns nil
// when the session does not exist, is terminal, or has been idle longer
// than maxAge. On success the status becomes active, the resume counter
// increments, and last-activity is refreshed.
func (m *Manager) Resume(ctx context.Context, id string, maxAge time.Duration) (*Session, error) {
	s, err := m.load(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		slog.Debug("session resume refused: terminal status", "conversation_id", id, "status", s.Status)
		return nil, nil
	}
	if m.now().Sub(s.LastActivity) > maxAge {
		slog.Debug("session resume refused: too old",
			"conversation_id", id, "last_activity", s.LastActivity, "max_age", maxAge)
		return nil, nil
	}

	old := s.Status
	if old != StatusActive {
		if !old.CanTransitionTo(StatusActive) {
			return nil, nil
		}
		s.Status = StatusActive
	}
	s.ResumedCount++
	s.LastActivity = m.now()
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	if old != StatusActive {
		m.fireTransition(old, StatusActive, s)
	}
	slog.Info("session resumed", "conversation_id", id, "resumed_count", s.ResumedCount)
	return s, nil
}

// End transitions the session to ended with the given reason. Reports
// false when the session does not exist or is already terminal.
func (m *Manager) End(ctx context.Context, id, reason string) (bool, error) {
	s, err := m.load(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.Status.Terminal() {
		return false, nil
	}
	old := s.Status
	s.Status = StatusEnded
	s.LastActivity = m.now()
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata["end_reason"] = reason
	if err := m.persist(ctx, s); err != nil {
		return false, err
	}
	m.fireTransition(old, StatusEnded, s)
	slog.Info("session ended", "conversation_id", id, "reason", reason)
	return true, nil
}

// Fail transitions the session to error and records the message.
func (m *Manager) Fail(ctx context.Context, id, message string) (bool, error) {
	s, err := m.load(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.Status.Terminal() {
		return false, nil
	}
	old := s.Status
	s.Status = StatusError
	s.LastError = message
	s.ErrorCount++
	s.LastActivity = m.now()
	if err := m.persist(ctx, s); err != nil {
		return false, err
	}
	m.fireTransition(old, StatusError, s)
	return true, nil
}

// Delete removes the session record entirely.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.Delete(opCtx, id)
}

// List returns the ids of all stored sessions, terminal records
// included.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.List(opCtx)
}

// ListActive returns the ids of stored sessions that have not reached a
// terminal status. Ended and errored records persist until cleanup, so
// the raw store listing is wider than the live call set. Records that
// fail to load are skipped.
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]string, 0, len(ids))
	for _, id := range ids {
		s, err := m.load(ctx, id, false)
		if err != nil {
			continue
		}
		if !s.Status.Terminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

// CleanupExpired removes sessions idle beyond maxAge and returns the
// number removed.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.CleanupExpired(opCtx, maxAge)
}

// Validation describes the reusability of a stored session.
type Validation struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	Resumable bool   `json:"resumable"`
	Status    Status `json:"status,omitempty"`
	IdleFor   string `json:"idle_for,omitempty"`
}

// Validate inspects a session without mutating it.
func (m *Manager) Validate(ctx context.Context, id string, maxAge time.Duration) (Validation, error) {
	s, err := m.load(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return Validation{Valid: false, Reason: "not found"}, nil
	}
	if err != nil {
		return Validation{}, err
	}
	idle := m.now().Sub(s.LastActivity)
	v := Validation{
		Valid:   true,
		Status:  s.Status,
		IdleFor: idle.Round(time.Second).String(),
	}
	switch {
	case s.Status.Terminal():
		v.Reason = "terminal status"
	case idle > maxAge:
		v.Reason = "idle beyond max age"
	default:
		v.Resumable = true
	}
	return v, nil
}

// Stats summarises the backend's contents.
type Stats struct {
	Sessions int            `json:"sessions"`
	ByStatus map[Status]int `json:"by_status"`
}

// Stats loads every stored session and tallies statuses. Intended for
// diagnostics, not hot paths.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Sessions: len(ids), ByStatus: make(map[Status]int)}
	for _, id := range ids {
		s, err := m.load(ctx, id, false)
		if err != nil {
			continue
		}
		st.ByStatus[s.Status]++
	}
	return st, nil
}

// Save persists an externally mutated session object. The bridge core
// uses this to checkpoint the record it owns.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	s.LastActivity = m.now()
	return m.persist(ctx, s)
}

func (m *Manager) load(ctx context.Context, id string, touch bool) (*Session, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	doc, err := m.store.Retrieve(opCtx, id, touch)
	if err != nil {
		return nil, err
	}
	return Unmarshal(doc)
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	doc, err := s.Marshal()
	if err != nil {
		return err
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.Store(opCtx, s.ConversationID, doc)
}
