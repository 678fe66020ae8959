package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/storage/memstore"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoTurns         = errors.New("session has no turns")
	ErrTurnInFlight    = errors.New("session already has an in-flight turn")
	ErrInvalidRole     = errors.New("invalid turn role")
	ErrPersist         = errors.New("session persistence failed")
)

// Backend is the durable key-value layer behind the store. Sessions are
// keyed by id and written whole.
type Backend interface {
	LoadAll(ctx context.Context) ([]chat.Session, error)
	Save(ctx context.Context, session chat.Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// PersistError reports a backend write failure. The in-memory mutation that
// triggered it has already been applied.
type PersistError struct {
	SessionID string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist session %s: %v", e.SessionID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersist) match any backend failure.
func (e *PersistError) Is(target error) bool { return target == ErrPersist }

// Service owns all sessions and their turns. Every mutation is applied in
// memory and then written through to the backend before returning.
type Service struct {
	mu       sync.RWMutex
	backend  Backend
	sessions map[string]chat.Session
	now      func() time.Time
}

// NewService loads every stored session from backend. A nil backend keeps
// sessions in memory only. Turns left in flight by a crash are finalized
// with whatever content they hold.
func NewService(ctx context.Context, backend Backend) (*Service, error) {
	if backend == nil {
		backend = memstore.New()
	}
	s := &Service{
		backend:  backend,
		sessions: make(map[string]chat.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}

	loaded, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load sessions")
	}
	for _, session := range loaded {
		session, recovered := s.normalize(session)
		s.sessions[session.ID] = session
		if !recovered {
			continue
		}
		log.Warn().Str("component", "chat").Str("session_id", session.ID).
			Msg("finalized turn left in flight by previous run")
		if err := backend.Save(ctx, session); err != nil {
			log.Error().Err(err).Str("component", "chat").Str("session_id", session.ID).
				Msg("failed to persist recovered session")
		}
	}
	log.Debug().Str("component", "chat").Int("sessions", len(s.sessions)).Msg("session store loaded")
	return s, nil
}

func (s *Service) normalize(session chat.Session) (chat.Session, bool) {
	if strings.TrimSpace(session.Name) == "" {
		session.Name = chat.DefaultSessionName
	}
	if session.Turns == nil {
		session.Turns = []chat.Turn{}
	}
	recovered := false
	for i := range session.Turns {
		if session.Turns[i].InFlight {
			session.Turns[i].InFlight = false
			recovered = true
		}
	}
	if session.UpdatedAt.IsZero() {
		if last, ok := session.LastTurn(); ok {
			session.UpdatedAt = last.Timestamp
		} else {
			session.UpdatedAt = session.CreatedAt
		}
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.UpdatedAt
	}
	return session, recovered
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// Create provisions an empty session tagged with mode.
func (s *Service) Create(ctx context.Context, mode string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.newSessionLocked(mode)
	return session.Clone(), s.persistLocked(ctx, session)
}

func (s *Service) newSessionLocked(mode string) chat.Session {
	now := s.now()
	session := chat.Session{
		ID:        uuid.NewString(),
		Name:      chat.DefaultSessionName,
		Turns:     make([]chat.Turn, 0, 16),
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.ID] = session
	return session
}

// Get retrieves a copy of the session.
func (s *Service) Get(_ context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// List returns session summaries, most recently updated first.
func (s *Service) List(_ context.Context) []chat.Summary {
	s.mu.RLock()
	sessions := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	sortByRecency(sessions)
	out := make([]chat.Summary, len(sessions))
	for i, session := range sessions {
		out[i] = session.Summarize()
	}
	return out
}

// AppendTurn adds turn to the end of the session. A session still carrying
// the default name is renamed after its first user turn.
func (s *Service) AppendTurn(ctx context.Context, id string, turn chat.Turn) error {
	if !turn.Role.Valid() {
		return errors.Wrapf(ErrInvalidRole, "role %q", turn.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if turn.InFlight && session.InFlightCount() > 0 {
		return ErrTurnInFlight
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	if turn.Role == chat.RoleUser && session.Name == chat.DefaultSessionName {
		session.Name = chat.NameFromText(turn.Content)
	}

	session.Turns = append(session.Turns, turn)
	session.UpdatedAt = s.now()
	s.sessions[id] = session
	return s.persistLocked(ctx, session)
}

// ReplaceLastTurn overwrites the trailing turn's content, role and in-flight
// flag. The original timestamp is kept.
func (s *Service) ReplaceLastTurn(ctx context.Context, id string, turn chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if len(session.Turns) == 0 {
		return ErrNoTurns
	}

	// copy before writing so earlier Clones never observe the change
	turns := append([]chat.Turn(nil), session.Turns...)
	last := len(turns) - 1
	if !turn.Role.Valid() {
		turn.Role = turns[last].Role
	}
	turn.Timestamp = turns[last].Timestamp
	turns[last] = turn

	session.Turns = turns
	session.UpdatedAt = s.now()
	s.sessions[id] = session
	return s.persistLocked(ctx, session)
}

// Delete removes the session and reports which session should become
// active next: the most recent survivor, or a fresh empty session when none
// remain.
func (s *Service) Delete(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return "", ErrSessionNotFound
	}
	delete(s.sessions, id)

	var persistErr error
	if err := s.backend.Delete(ctx, id); err != nil {
		persistErr = &PersistError{SessionID: id, Err: err}
		log.Error().Err(err).Str("component", "chat").Str("session_id", id).Msg("failed to delete session")
	}

	if next, ok := s.mostRecentLocked(); ok {
		return next.ID, persistErr
	}

	fresh := s.newSessionLocked("")
	if err := s.persistLocked(ctx, fresh); err != nil && persistErr == nil {
		persistErr = err
	}
	return fresh.ID, persistErr
}

// SetMode tags the session with a mode slug.
func (s *Service) SetMode(ctx context.Context, id, mode string) error {
	return s.update(ctx, id, func(session *chat.Session) { session.Mode = mode })
}

// Rename replaces the display name.
func (s *Service) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = chat.DefaultSessionName
	}
	return s.update(ctx, id, func(session *chat.Session) { session.Name = name })
}

func (s *Service) update(ctx context.Context, id string, fn func(*chat.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	fn(&session)
	session.UpdatedAt = s.now()
	s.sessions[id] = session
	return s.persistLocked(ctx, session)
}

// MostRecent returns the most recently updated session, if any.
func (s *Service) MostRecent(_ context.Context) (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.mostRecentLocked()
	if !ok {
		return chat.Session{}, false
	}
	return session.Clone(), true
}

func (s *Service) mostRecentLocked() (chat.Session, bool) {
	var (
		best  chat.Session
		found bool
	)
	for _, session := range s.sessions {
		if !found || newer(session, best) {
			best = session
			found = true
		}
	}
	return best, found
}

func (s *Service) persistLocked(ctx context.Context, session chat.Session) error {
	if err := s.backend.Save(ctx, session); err != nil {
		log.Error().Err(err).Str("component", "chat").Str("session_id", session.ID).Msg("failed to persist session")
		return &PersistError{SessionID: session.ID, Err: err}
	}
	return nil
}

func sortByRecency(sessions []chat.Session) {
	sort.Slice(sessions, func(i, j int) bool { return newer(sessions[i], sessions[j]) })
}

func newer(a, b chat.Session) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
