package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/session"
)

// SessionDetach returns a handler that detaches a session and closes its
// peripheral. A detach that outlives its cap still succeeds; the response
// status says the release was deferred.
func SessionDetach(m *session.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		id, ok := req.Params["id"]
		if !ok {
			return apierror.ErrBadRequest("missing id parameter")
		}
		err := m.Detach(req.Ctx, id)
		if err != nil && !errors.Is(err, session.ErrDetachTimeout) {
			return sessionError(err)
		}
		status := session.StatusOf(err)
		logger.Info("session detached", "session", id, "status", status)

		payload, err := json.Marshal(apitypes.SessionDetachResponse{ID: id, Status: string(status)})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
