package presence

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"cdr.dev/slog/v3"
)

// Manager binds a Session to the lifetime of the local identity: it starts
// one when an identity becomes available, and releases it when the identity
// goes away or changes. Consumers hold the Manager and query it; with no
// identity, nobody is online.
type Manager struct {
	opts   Options
	logger slog.Logger

	// mu serializes identity changes.
	mu            sync.Mutex
	closed        bool
	cancelForward func()
	current       atomic.Pointer[Session]

	listenersMu sync.Mutex
	listeners   map[uuid.UUID]func([]string)
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:      opts,
		logger:    opts.Logger.Named("presence"),
		listeners: make(map[uuid.UUID]func([]string)),
	}
}

// SetIdentity starts tracking presence as memberID. Setting the identity
// that is already active is a no-op, so each identity has exactly one
// subscription. An empty memberID clears the identity.
func (m *Manager) SetIdentity(ctx context.Context, memberID string) {
	if memberID == "" {
		m.ClearIdentity()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if current := m.current.Load(); current != nil && current.MemberID() == memberID {
		return
	}
	m.stopLocked()

	session := newSession(m.opts, memberID)
	m.cancelForward = session.Tracker().OnChange(m.notify)
	m.current.Store(session)
	session.start(ctx)
	m.logger.Info(ctx, "presence identity set", slog.F("member_id", memberID))
}

// ClearIdentity releases the active session, if any.
func (m *Manager) ClearIdentity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	session := m.current.Swap(nil)
	if session == nil {
		return
	}
	// Closing resets the tracker, which tells listeners the set is empty.
	if err := session.Close(); err != nil {
		m.logger.Warn(context.Background(), "close presence session",
			slog.F("member_id", session.MemberID()),
			slog.Error(err),
		)
	}
	if m.cancelForward != nil {
		m.cancelForward()
		m.cancelForward = nil
	}
	m.logger.Info(context.Background(), "presence identity cleared", slog.F("member_id", session.MemberID()))
}

// Run follows a stream of identities, where the empty string means signed
// out, until ctx is done or the stream is closed. The identity is cleared
// when Run returns.
func (m *Manager) Run(ctx context.Context, identities <-chan string) {
	defer m.ClearIdentity()
	for {
		select {
		case <-ctx.Done():
			return
		case memberID, ok := <-identities:
			if !ok {
				return
			}
			m.SetIdentity(ctx, memberID)
		}
	}
}

// MemberID returns the active identity, or the empty string.
func (m *Manager) MemberID() string {
	if session := m.current.Load(); session != nil {
		return session.MemberID()
	}
	return ""
}

func (m *Manager) IsOnline(memberID string) bool {
	session := m.current.Load()
	if session == nil {
		return false
	}
	return session.Tracker().IsOnline(memberID)
}

func (m *Manager) OnlineCount() int {
	session := m.current.Load()
	if session == nil {
		return 0
	}
	return session.Tracker().OnlineCount()
}

func (m *Manager) Snapshot() []string {
	session := m.current.Load()
	if session == nil {
		return []string{}
	}
	return session.Tracker().Snapshot()
}

// OnChange registers fn to be called whenever the presence set changes,
// including when it empties because the identity was cleared. fn must not
// call SetIdentity, ClearIdentity or Close.
func (m *Manager) OnChange(fn func(members []string)) (cancel func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := uuid.New()
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(members []string) {
	m.listenersMu.Lock()
	listeners := make([]func([]string), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(slices.Clone(members))
	}
}

// Close releases the active session. Later identity changes are ignored.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopLocked()
	return nil
}
