package conversation

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
)

// State is the generation state machine's position.
type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StateError      State = "error"
)

var (
	ErrNotReady       = inference.ErrNotReady
	ErrBusy           = inference.ErrBusy
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnknownMode    = errors.New("unknown mode")
	ErrPrepareTimeout = errors.New("model preparation timed out")
	ErrGenerateTimeout =errors.New("generation timed out")
	ErrSuperseded     = errors.New("superseded by a newer request")
)

// handle tracks the one generation in flight. All fields other than the
// immutable ones are guarded by the orchestrator's state lock.
type handle struct {
	id        string
	sessionID string
	gateway   inference.Gateway
	stream    *inference.Stream
	ctx       context.Context
	release   context.CancelFunc
	done      chan struct{}

	buf       strings.Builder
	deltas    int
	cancelled bool
	finalized bool
}
