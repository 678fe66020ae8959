package apierr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	chatsvc "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: chatsvc.ErrSessionNotFound, want: http.StatusNotFound},
		{err: errors.Wrap(inference.ErrBusy, "generating"), want: http.StatusConflict},
		{err: conversation.ErrNotReady, want: http.StatusServiceUnavailable},
		{err: errors.Wrapf(conversation.ErrUnknownMode, "%q", "x"), want: http.StatusBadRequest},
		{err: conversation.ErrPrepareTimeout, want: http.StatusGatewayTimeout},
		{err: errors.Wrap(inference.ErrRequestFailed, "status 500"), want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), tt.err.Error())
	}
}
