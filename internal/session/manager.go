package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("call not found")

// Call is the registry view of one bridged call.
type Call struct {
	ID             string    `json:"id"`
	StreamSID      string    `json:"stream_sid,omitempty"`
	CallSID        string    `json:"call_sid,omitempty"`
	Variant        string    `json:"variant"`
	Status         Status    `json:"status"`
	State          State     `json:"state"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Manager tracks calls across their lifetime. Calls are keyed by a generated
// connection id because the telephony stream id is only known after the
// first readiness event.
type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*Call
	byStream          map[string]string
	cancels           map[string]context.CancelFunc
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Call)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*Call),
		byStream:          make(map[string]string),
		cancels:           make(map[string]context.CancelFunc),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    5 * time.Minute,
	}
}

func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetEndedRetention controls how long ended calls stay visible.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

// Register adds a call for a freshly accepted telephony connection. cancel is
// invoked if the call goes idle for longer than the inactivity timeout.
func (m *Manager) Register(variant string, cancel context.CancelFunc) *Call {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		Variant:        variant,
		Status:         StatusActive,
		State:          StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	if cancel != nil {
		m.cancels[c.ID] = cancel
	}
	return clone(c)
}

// Bind attaches the telephony-assigned ids to a call.
func (m *Manager) Bind(id, streamSID, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if streamSID != "" {
		if c.StreamSID != "" {
			delete(m.byStream, c.StreamSID)
		}
		c.StreamSID = streamSID
		m.byStream[streamSID] = id
	}
	if callSID != "" {
		c.CallSID = callSID
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.State = state
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// Get looks a call up by connection id or telephony stream id.
func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[id]; ok {
		return clone(c), nil
	}
	if cid, ok := m.byStream[id]; ok {
		if c, ok := m.calls[cid]; ok {
			return clone(c), nil
		}
	}
	return nil, ErrNotFound
}

// List returns all known calls, most recent first.
func (m *Manager) List() []*Call {
	m.mu.RLock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, clone(c))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) End(id, reason string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = StatusEnded
	c.State = StateClosed
	if c.EndReason == "" {
		c.EndReason = reason
	}
	c.LastActivityAt = now
	c.EndedAt = now
	delete(m.cancels, id)
	return clone(c), nil
}

// CancelAll cancels every active call, as on process shutdown.
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for id, cancel := range m.cancels {
		if c, ok := m.calls[id]; ok && c.EndReason == "" {
			c.EndReason = reason
		}
		cancels = append(cancels, cancel)
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive cancels calls that saw no traffic within the inactivity
// timeout and forgets ended calls past their retention. Cancelled calls are
// torn down by their runner, which then calls End.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Call
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for id, c := range m.calls {
		if c.Status != StatusActive {
			if now.Sub(c.EndedAt) >= m.endedRetention {
				delete(m.calls, id)
				if m.byStream[c.StreamSID] == id {
					delete(m.byStream, c.StreamSID)
				}
			}
			continue
		}
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		cancel, ok := m.cancels[id]
		if !ok {
			// already cancelled, waiting on the runner to call End
			continue
		}
		if c.EndReason == "" {
			c.EndReason = "inactivity_timeout"
		}
		expired = append(expired, clone(c))
		cancels = append(cancels, cancel)
		delete(m.cancels, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	cp := *c
	return &cp
}
