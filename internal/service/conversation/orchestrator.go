// Package conversation drives one chat widget: it owns the active session,
// the inference gateway and the generation state machine, and reports
// everything that happens as ordered events.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatsvc "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

const (
	DefaultPrepareTimeout  = 5 * time.Minute
	DefaultGenerateTimeout = 2 * time.Minute
	DefaultCancelGrace     = 2 * time.Second
)

// SessionStore is the subset of the session service the orchestrator uses.
type SessionStore interface {
	Create(ctx context.Context, mode string) (chat.Session, error)
	Get(ctx context.Context, id string) (chat.Session, error)
	List(ctx context.Context) []chat.Summary
	AppendTurn(ctx context.Context, id string, turn chat.Turn) error
	ReplaceLastTurn(ctx context.Context, id string, turn chat.Turn) error
	Delete(ctx context.Context, id string) (string, error)
	SetMode(ctx context.Context, id, mode string) error
	MostRecent(ctx context.Context) (chat.Session, bool)
}

// ContextBuilder produces the context window for a new utterance.
type ContextBuilder interface {
	Build(ctx context.Context, session chat.Session, newUserText string) []prompt.Entry
}

// GatewayFactory constructs a fresh gateway; ChangeModel calls it.
type GatewayFactory func() (inference.Gateway, error)

// Config tunes the orchestrator. Zero durations select the defaults.
type Config struct {
	Options         inference.Options
	PrepareTimeout  time.Duration
	GenerateTimeout time.Duration
	CancelGrace     time.Duration
	PersistEvery    int
}

func (c Config) withDefaults() Config {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = 1
	}
	return c
}

// Orchestrator serializes public operations behind opMu. The delta
// consumer is the only background goroutine and touches state only under
// mu. Events raised under mu are delivered after it is released, in order.
type Orchestrator struct {
	cfg        Config
	sessions   SessionStore
	builder    ContextBuilder
	modes      persona.Store
	newGateway GatewayFactory
	bus        *Bus

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	gateway    inference.Gateway
	model      string
	progress   inference.Progress
	lastErr    string
	prepareSeq uint64
	activeID   string
	current    *handle
	pending    []Event
	wg         sync.WaitGroup
}

// New wires an orchestrator. The gateway is created lazily by the first
// Prepare.
func New(cfg Config, sessions SessionStore, builder ContextBuilder, modes persona.Store, factory GatewayFactory) (*Orchestrator, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if builder == nil {
		return nil, errors.New("context builder is required")
	}
	if factory == nil {
		return nil, errors.New("gateway factory is required")
	}
	if modes == nil {
		modes = persona.NewMemoryStore(persona.Seed())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		sessions:   sessions,
		builder:    builder,
		modes:      modes,
		newGateway: factory,
		bus:        newBus(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
	}, nil
}

// Subscribe registers an event observer.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return o.bus.Subscribe(fn)
}

// emitLocked queues ev for delivery when mu is released.
func (o *Orchestrator) emitLocked(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.pending = append(o.pending, ev)
}

// unlock releases mu and delivers queued events. The delivery lock is taken
// before mu is dropped so events reach subscribers in the order raised.
func (o *Orchestrator) unlock() {
	events := o.pending
	o.pending = nil
	o.bus.deliver.Lock()
	o.mu.Unlock()
	o.bus.publish(events)
	o.bus.deliver.Unlock()
}

func (o *Orchestrator) setStateLocked(next State) {
	if o.state == next {
		return
	}
	log.Debug().Str("component", "conversation").Str("from", string(o.state)).Str("to", string(next)).Msg("state changed")
	o.state = next
	o.emitLocked(Event{Type: EventStateChanged, State: next, SessionID: o.activeID, Model: o.model})
}

// State reports the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Prepare loads model and blocks until it is ready, fails, times out or is
// superseded by a later Prepare or ChangeModel. Only the latest request can
// move the machine. A different model requested mid-generation behaves like
// ChangeModel.
func (o *Orchestrator) Prepare(ctx context.Context, model string) error {
	o.opMu.Lock()
	o.mu.Lock()
	switching := o.state == StateGenerating && o.model != model
	o.unlock()

	var (
		wait func() error
		err  error
	)
	if switching {
		wait, err = o.changeModel(ctx, model)
	} else {
		wait, err = o.startPrepare(ctx, model)
	}
	o.opMu.Unlock()
	if err != nil {
		return err
	}
	return wait()
}

// ChangeModel cancels any generation, replaces the gateway with a fresh one
// and prepares model on it.
func (o *Orchestrator) ChangeModel(ctx context.Context, model string) error {
	o.opMu.Lock()
	wait, err := o.changeModel(ctx, model)
	o.opMu.Unlock()
	if err != nil {
		return err
	}
	return wait()
}

// changeModel runs under opMu.
func (o *Orchestrator) changeModel(ctx context.Context, model string) (func() error, error) {
	o.cancelGeneration("model change")

	o.mu.Lock()
	old := o.gateway
	o.gateway = nil
	o.prepareSeq++
	o.unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("component", "conversation").Msg("closing previous gateway")
		}
	}
	return o.startPrepare(ctx, model)
}

// startPrepare runs under opMu and returns the wait for the outcome, which
// the caller runs after releasing opMu.
func (o *Orchestrator) startPrepare(ctx context.Context, model string) (func() error, error) {
	o.mu.Lock()
	if o.state == StateGenerating {
		o.unlock()
		return nil, ErrBusy
	}
	if o.gateway == nil {
		gw, err := o.newGateway()
		if err != nil {
			o.lastErr = err.Error()
			o.setStateLocked(StateError)
			o.emitLocked(Event{Type: EventError, Model: model, Error: err.Error()})
			o.unlock()
			return nil, errors.Wrap(err, "create gateway")
		}
		o.gateway = gw
	}
	o.prepareSeq++
	seq := o.prepareSeq
	gw := o.gateway
	o.model = model
	o.lastErr = ""
	o.progress = inference.Progress{}
	o.setStateLocked(StatePreparing)
	o.unlock()

	prepCtx, cancel := context.WithTimeout(ctx, o.cfg.PrepareTimeout)
	ch, err := gw.Prepare(prepCtx, model)
	if err != nil {
		cancel()
		return nil, o.prepareFailed(seq, model, err)
	}

	return func() error {
		defer cancel()
		for {
			select {
			case p, ok := <-ch:
				switch {
				case !ok:
					return o.prepareFailed(seq, model, errors.New("progress stream closed"))
				case p.Err != nil:
					return o.prepareFailed(seq, model, p.Err)
				case p.Ready:
					return o.prepareReady(seq, model)
				default:
					o.prepareProgress(seq, model, p)
				}
			case <-prepCtx.Done():
				err := prepCtx.Err()
				if errors.Is(err, context.DeadlineExceeded) {
					err = ErrPrepareTimeout
				}
				return o.prepareFailed(seq, model, err)
			}
		}
	}, nil
}

func (o *Orchestrator) prepareProgress(seq uint64, model string, p inference.Progress) {
	o.mu.Lock()
	if seq == o.prepareSeq {
		o.progress = p
		o.emitLocked(Event{Type: EventPrepareProgress, Model: model, Progress: p.Fraction, Text: p.Label})
	}
	o.unlock()
}

func (o *Orchestrator) prepareReady(seq uint64, model string) error {
	o.mu.Lock()
	defer o.unlock()
	if seq != o.prepareSeq {
		return ErrSuperseded
	}
	o.progress = inference.Progress{Fraction: 1, Label: "ready", Ready: true}
	o.emitLocked(Event{Type: EventPrepareProgress, Model: model, Progress: 1, Text: "ready"})
	o.setStateLocked(StateReady)
	log.Info().Str("component", "conversation").Str("model", model).Msg("model ready")
	return nil
}

func (o *Orchestrator) prepareFailed(seq uint64, model string, err error) error {
	o.mu.Lock()
	defer o.unlock()
	if seq != o.prepareSeq {
		return ErrSuperseded
	}
	o.lastErr = err.Error()
	o.setStateLocked(StateError)
	o.emitLocked(Event{Type: EventError, Model: model, Error: err.Error()})
	log.Error().Err(err).Str("component", "conversation").Str("model", model).Msg("model preparation failed")
	return err
}

// SendMessage appends the user's text and an in-flight assistant turn to
// the active session and starts a generation. It returns the generation id
// carried by the events that follow.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	switch o.state {
	case StateReady:
	case StateGenerating:
		o.unlock()
		return "", ErrBusy
	default:
		o.unlock()
		return "", ErrNotReady
	}
	gw := o.gateway
	o.unlock()

	session, err := o.ensureActive(ctx)
	if err != nil {
		return "", err
	}

	userTurn := chat.NewTurn(chat.RoleUser, text)
	if err := o.appendTurn(ctx, session.ID, userTurn); err != nil {
		return "", err
	}
	placeholder := chat.Placeholder()
	if err := o.appendTurn(ctx, session.ID, placeholder); err != nil {
		return "", err
	}

	if fresh, err := o.sessions.Get(ctx, session.ID); err == nil {
		session = fresh
	}
	entries := o.builder.Build(ctx, session, text)
	entries = prompt.WithSystemPrompt(entries, prompt.SystemPrompt(o.modeFor(session.Mode)))

	genCtx, release := context.WithTimeout(o.ctx, o.cfg.GenerateTimeout)
	stream, err := gw.Generate(genCtx, entries, o.cfg.Options)
	if err != nil {
		release()
		o.mu.Lock()
		o.writeFinal(session.ID, "")
		o.emitLocked(Event{Type: EventError, SessionID: session.ID, Error: err.Error()})
		o.unlock()
		log.Warn().Err(err).Str("component", "conversation").Str("session_id", session.ID).Msg("gateway rejected generation")
		return "", err
	}

	h := &handle{
		id:        uuid.NewString(),
		sessionID: session.ID,
		gateway:   gw,
		stream:    stream,
		ctx:       genCtx,
		release:   release,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.current = h
	o.setStateLocked(StateGenerating)
	o.unlock()

	o.wg.Add(1)
	go o.consume(h)

	log.Info().Str("component", "conversation").Str("session_id", session.ID).Str("generation_id", h.id).
		Int("entries", len(entries)).Msg("generation started")
	return h.id, nil
}

func (o *Orchestrator) appendTurn(ctx context.Context, sessionID string, turn chat.Turn) error {
	err := o.sessions.AppendTurn(ctx, sessionID, turn)
	if err != nil && !errors.Is(err, chatsvc.ErrPersist) {
		return err
	}

	o.mu.Lock()
	added := turn
	o.emitLocked(Event{Type: EventMessageAdded, SessionID: sessionID, Turn: &added})
	if err != nil {
		o.emitLocked(Event{Type: EventError, SessionID: sessionID, Error: err.Error()})
	}
	o.unlock()
	return nil
}

// consume applies deltas in arrival order until the stream ends or the
// handle is finalized by a cancel.
func (o *Orchestrator) consume(h *handle) {
	defer o.wg.Done()
	defer close(h.done)
	defer h.release()

	for {
		d, ok := h.stream.Next(h.ctx)
		if !ok {
			o.complete(h, "")
			return
		}
		if d.Terminal() {
			if d.Err != nil {
				o.fail(h, d.Err)
			} else {
				o.complete(h, d.Final)
			}
			return
		}
		if !o.apply(h, d.Text) {
			return
		}
	}
}

func (o *Orchestrator) apply(h *handle, text string) bool {
	o.mu.Lock()
	defer o.unlock()
	if h.finalized || h.cancelled {
		return false
	}

	h.buf.WriteString(text)
	h.deltas++
	content := h.buf.String()
	if h.deltas%o.cfg.PersistEvery == 0 {
		turn := chat.Turn{Role: chat.RoleAssistant, Content: content, InFlight: true}
		if err := o.sessions.ReplaceLastTurn(o.ctx, h.sessionID, turn); err != nil {
			log.Warn().Err(err).Str("component", "conversation").Str("session_id", h.sessionID).Msg("failed to persist partial response")
		}
	}
	o.emitLocked(Event{Type: EventResponseUpdate, SessionID: h.sessionID, GenerationID: h.id, Text: text, Content: content})
	return true
}

func (o *Orchestrator) complete(h *handle, final string) {
	o.mu.Lock()
	defer o.unlock()
	if h.finalized || h.cancelled {
		return
	}
	if final == "" {
		final = h.buf.String()
	}
	o.finalizeLocked(h, final, Event{Type: EventResponseComplete, Content: final})
	log.Info().Str("component", "conversation").Str("session_id", h.sessionID).Str("generation_id", h.id).
		Int("deltas", h.deltas).Msg("generation complete")
}

func (o *Orchestrator) fail(h *handle, err error) {
	if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		err = ErrGenerateTimeout
		h.gateway.Cancel(h.stream)
	}

	o.mu.Lock()
	defer o.unlock()
	if h.finalized || h.cancelled {
		return
	}
	partial := h.buf.String()
	if errors.Is(err, inference.ErrCancelled) {
		o.finalizeLocked(h, partial, Event{Type: EventGenerationCancelled, Content: partial})
		return
	}
	o.finalizeLocked(h, partial, Event{Type: EventError, Content: partial, Error: err.Error()})
	log.Warn().Err(err).Str("component", "conversation").Str("session_id", h.sessionID).Str("generation_id", h.id).
		Msg("generation failed")
}

// finalizeLocked writes content as the settled assistant turn of the
// handle's session, raises ev for it and returns the machine to ready.
func (o *Orchestrator) finalizeLocked(h *handle, content string, ev Event) {
	h.finalized = true
	turn := o.writeFinal(h.sessionID, content)
	if o.current == h {
		o.current = nil
	}

	ev.SessionID = h.sessionID
	ev.GenerationID = h.id
	ev.Turn = &turn
	o.emitLocked(ev)
	if o.state == StateGenerating {
		o.setStateLocked(StateReady)
	}
}

func (o *Orchestrator) writeFinal(sessionID, content string) chat.Turn {
	turn := chat.Turn{Role: chat.RoleAssistant, Content: content}
	if err := o.sessions.ReplaceLastTurn(o.ctx, sessionID, turn); err != nil {
		log.Error().Err(err).Str("component", "conversation").Str("session_id", sessionID).Msg("failed to finalize response")
		o.emitLocked(Event{Type: EventError, SessionID: sessionID, Error: err.Error()})
	}
	if s, err := o.sessions.Get(o.ctx, sessionID); err == nil {
		if last, ok := s.LastTurn(); ok {
			return last
		}
	}
	return turn
}

// Cancel stops the generation in flight, if any, keeping the partial
// response. It reports whether there was one.
func (o *Orchestrator) Cancel() bool {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.cancelGeneration("user request")
}

// cancelGeneration runs under opMu. After the flag is set at most one more
// delta can reach the session, and only the handle's own session.
func (o *Orchestrator) cancelGeneration(reason string) bool {
	o.mu.Lock()
	h := o.current
	if h == nil || h.finalized {
		o.unlock()
		return false
	}
	h.cancelled = true
	o.unlock()

	h.gateway.Cancel(h.stream)

	grace := time.NewTimer(o.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-h.done:
	case <-grace.C:
		log.Warn().Str("component", "conversation").Str("generation_id", h.id).Msg("consumer did not stop within grace period")
	}

	o.mu.Lock()
	if !h.finalized {
		partial := h.buf.String()
		o.finalizeLocked(h, partial, Event{Type: EventGenerationCancelled, Content: partial})
	}
	o.unlock()

	log.Info().Str("component", "conversation").Str("generation_id", h.id).Str("reason", reason).Msg("generation cancelled")
	return true
}

// Close cancels outstanding work and releases the gateway.
func (o *Orchestrator) Close() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.cancelGeneration("shutdown")
	o.mu.Lock()
	gw := o.gateway
	o.gateway = nil
	o.prepareSeq++
	o.unlock()

	o.cancel()
	o.wg.Wait()
	if gw != nil {
		return gw.Close()
	}
	return nil
}

func (o *Orchestrator) modeFor(id string) *persona.Persona {
	if id == "" {
		return nil
	}
	if p, ok := o.modes.FindByID(id); ok {
		return &p
	}
	return nil
}
