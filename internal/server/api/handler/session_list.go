package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/session"
)

// SessionList returns a handler listing attached sessions, oldest first.
func SessionList(m *session.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		sessions := m.List()
		out := make([]apitypes.Session, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionDTO(s.Info()))
		}
		payload, err := json.Marshal(apitypes.SessionListResponse{Sessions: out})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}

// SessionInfo returns a handler describing one session.
func SessionInfo(m *session.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		id, ok := req.Params["id"]
		if !ok {
			return apierror.ErrBadRequest("missing id parameter")
		}
		s, err := m.Get(id)
		if err != nil {
			return sessionError(err)
		}
		payload, err := json.Marshal(sessionDTO(s.Info()))
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
