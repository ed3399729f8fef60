package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/app/session"
	"github.com/dkeye/deskrtc/internal/domain"
)

// SessionFactory builds a fresh, unconnected session for desktop.
type SessionFactory func(desktop domain.DesktopID) (*session.Session, error)

type sessionEntry struct {
	Session *session.Session
	Cancel  context.CancelFunc
	Started time.Time
	Err     error
}

// Snapshot is a read-only view of one registered session.
type Snapshot struct {
	Desktop   domain.DesktopID `json:"desktop"`
	SessionID domain.SessionID `json:"session_id"`
	Status    domain.Status    `json:"status"`
	Started   time.Time        `json:"started"`
	Error     string           `json:"error,omitempty"`
}

// Registry keeps at most one session per desktop. Retrying a desktop
// always discards the old session and builds a new one.
type Registry struct {
	newSession SessionFactory

	mu       sync.RWMutex
	sessions map[domain.DesktopID]*sessionEntry
}

func NewRegistry(f SessionFactory) *Registry {
	return &Registry{
		newSession: f,
		sessions:   make(map[domain.DesktopID]*sessionEntry),
	}
}

// Connect replaces any session for desktop and starts connecting the new
// one in the background. ctx bounds the whole life of the attempt.
func (r *Registry) Connect(ctx context.Context, desktop domain.DesktopID) (*session.Session, error) {
	s, err := r.newSession(desktop)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	entry := &sessionEntry{Session: s, Cancel: cancel, Started: time.Now()}

	r.mu.Lock()
	old := r.sessions[desktop]
	r.sessions[desktop] = entry
	r.mu.Unlock()

	if old != nil {
		r.teardown(old)
		log.Info().Str("module", "app.registry").Str("desktop", string(desktop)).Str("sid", string(old.Session.ID())).Msg("replaced session")
	}
	log.Info().Str("module", "app.registry").Str("desktop", string(desktop)).Str("sid", string(s.ID())).Msg("bound session")

	go func() {
		err := s.Connect(cctx)
		if err == nil {
			return
		}
		r.mu.Lock()
		entry.Err = err
		r.mu.Unlock()
	}()
	return s, nil
}

// Session returns the current session for desktop.
func (r *Registry) Session(desktop domain.DesktopID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[desktop]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Get(desktop domain.DesktopID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[desktop]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(desktop, e), true
}

// List returns every session ordered by desktop id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for d, e := range r.sessions {
		out = append(out, snapshotOf(d, e))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Desktop < out[j].Desktop })
	return out
}

// Disconnect tears down and forgets the session for desktop.
func (r *Registry) Disconnect(desktop domain.DesktopID) bool {
	r.mu.Lock()
	e, ok := r.sessions[desktop]
	delete(r.sessions, desktop)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(e)
	log.Info().Str("module", "app.registry").Str("desktop", string(desktop)).Msg("unbind session")
	return true
}

// Close disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[domain.DesktopID]*sessionEntry)
	r.mu.Unlock()
	for _, e := range all {
		r.teardown(e)
	}
}

func (r *Registry) teardown(e *sessionEntry) {
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Session.Disconnect()
}

// snapshotOf must be called with r.mu held.
func snapshotOf(d domain.DesktopID, e *sessionEntry) Snapshot {
	snap := Snapshot{
		Desktop:   d,
		SessionID: e.Session.ID(),
		Status:    e.Session.Status(),
		Started:   e.Started,
	}
	if e.Err != nil {
		snap.Error = e.Err.Error()
	}
	return snap
}
