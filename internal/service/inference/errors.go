package inference

import "github.com/pkg/errors"

var (
	// ErrNotReady is returned by Generate before a successful Prepare.
	ErrNotReady = errors.New("model not ready")
	// ErrBusy is returned by Generate while another stream is active.
	ErrBusy = errors.New("generation already in progress")
	// ErrRequestFailed covers transport failures and non-2xx responses.
	ErrRequestFailed = errors.New("inference request failed")
	// ErrMalformedChunk marks an unparseable stream record. It is logged
	// and skipped, never surfaced to callers.
	ErrMalformedChunk = errors.New("malformed stream chunk")
	// ErrCancelled ends a stream or load that was cancelled or superseded.
	ErrCancelled = errors.New("cancelled")
)
