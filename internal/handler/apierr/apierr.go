// Package apierr maps service errors onto HTTP responses.
package apierr

import (
	"net/http"

	"github.com/pkg/errors"

	chatsvc "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, chatsvc.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, inference.ErrBusy), errors.Is(err, chatsvc.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, inference.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrPrepareTimeout), errors.Is(err, conversation.ErrGenerateTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, inference.ErrRequestFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write responds with err's status and message.
func Write(w http.ResponseWriter, err error) {
	utils.RespondError(w, Status(err), err.Error())
}
