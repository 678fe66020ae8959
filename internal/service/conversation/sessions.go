package conversation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatsvc "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
)

// ActiveSession returns the session the widget is showing, selecting the
// most recent one or creating one on first use.
func (o *Orchestrator) ActiveSession(ctx context.Context) (chat.Session, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.ensureActive(ctx)
}

func (o *Orchestrator) ensureActive(ctx context.Context) (chat.Session, error) {
	o.mu.Lock()
	id := o.activeID
	o.unlock()

	if id != "" {
		session, err := o.sessions.Get(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, chatsvc.ErrSessionNotFound) {
			return chat.Session{}, err
		}
	}

	session, ok := o.sessions.MostRecent(ctx)
	if !ok {
		var err error
		session, err = o.sessions.Create(ctx, "")
		if err != nil && !errors.Is(err, chatsvc.ErrPersist) {
			return chat.Session{}, err
		}
	}
	o.activate(session)
	return session, nil
}

func (o *Orchestrator) activate(session chat.Session) {
	o.mu.Lock()
	o.activeID = session.ID
	o.emitLocked(Event{Type: EventSessionChanged, SessionID: session.ID, Mode: session.Mode})
	o.unlock()
}

// NewSession settles any generation, creates an empty session carrying
// the current mode and makes it active.
func (o *Orchestrator) NewSession(ctx context.Context) (chat.Session, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.cancelGeneration("new session")

	o.mu.Lock()
	activeID := o.activeID
	o.unlock()

	mode := ""
	if activeID != "" {
		if current, err := o.sessions.Get(ctx, activeID); err == nil {
			mode = current.Mode
		}
	}
	session, err := o.sessions.Create(ctx, mode)
	if err != nil && !errors.Is(err, chatsvc.ErrPersist) {
		return chat.Session{}, err
	}
	o.activate(session)
	log.Info().Str("component", "conversation").Str("session_id", session.ID).Msg("session created")
	return session, err
}

// SwitchSession settles any generation and activates id.
func (o *Orchestrator) SwitchSession(ctx context.Context, id string) (chat.Session, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if _, err := o.sessions.Get(ctx, id); err != nil {
		return chat.Session{}, err
	}
	o.cancelGeneration("session switch")

	// re-read so the settled turn of a cancelled generation is included
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return chat.Session{}, err
	}
	o.activate(session)
	return session, nil
}

// DeleteSession removes id. Deleting the active session activates the
// store's replacement. It returns the id of the active session afterwards.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) (string, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	generating := o.current != nil
	wasActive := o.activeID == id
	o.unlock()

	if generating {
		o.cancelGeneration("session deleted")
	}

	next, err := o.sessions.Delete(ctx, id)
	if err != nil && !errors.Is(err, chatsvc.ErrPersist) {
		return "", err
	}

	if wasActive {
		session, getErr := o.sessions.Get(ctx, next)
		if getErr != nil {
			return "", getErr
		}
		o.activate(session)
		return next, err
	}

	o.mu.Lock()
	active := o.activeID
	o.emitLocked(Event{Type: EventSessionChanged, SessionID: active})
	o.unlock()
	return active, err
}

// SetMode tags the active session with mode. An empty mode resets to the
// default prompt.
func (o *Orchestrator) SetMode(ctx context.Context, mode string) (chat.Session, error) {
	if mode != "" {
		if _, ok := o.modes.FindByID(mode); !ok {
			return chat.Session{}, errors.Wrapf(ErrUnknownMode, "%q", mode)
		}
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	session, err := o.ensureActive(ctx)
	if err != nil {
		return chat.Session{}, err
	}
	if err := o.sessions.SetMode(ctx, session.ID, mode); err != nil && !errors.Is(err, chatsvc.ErrPersist) {
		return chat.Session{}, err
	}
	session.Mode = mode

	o.mu.Lock()
	o.emitLocked(Event{Type: EventSessionChanged, SessionID: session.ID, Mode: mode})
	o.unlock()
	return session, nil
}

// Modes lists the available modes.
func (o *Orchestrator) Modes() []persona.Persona {
	return o.modes.List()
}

// Sessions lists session summaries, most recent first.
func (o *Orchestrator) Sessions(ctx context.Context) []chat.Summary {
	return o.sessions.List(ctx)
}

// Session returns a copy of session id.
func (o *Orchestrator) Session(ctx context.Context, id string) (chat.Session, error) {
	return o.sessions.Get(ctx, id)
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State           State             `json:"state"`
	Model           string            `json:"model,omitempty"`
	ActiveSessionID string            `json:"activeSessionId,omitempty"`
	GenerationID    string            `json:"generationId,omitempty"`
	Partial         string            `json:"partial,omitempty"`
	Progress        float64           `json:"progress"`
	ProgressLabel   string            `json:"progressLabel,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	Gateway         *inference.Status `json:"gateway,omitempty"`
}

// Snapshot reports the current state without blocking on operations.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		State:           o.state,
		Model:           o.model,
		ActiveSessionID: o.activeID,
		Progress:        o.progress.Fraction,
		ProgressLabel:   o.progress.Label,
		LastError:       o.lastErr,
	}
	if h := o.current; h != nil {
		snap.GenerationID = h.id
		snap.Partial = h.buf.String()
	}
	gw := o.gateway
	o.mu.Unlock()

	if gw != nil {
		st := gw.Status()
		snap.Gateway = &st
	}
	return snap
}
