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

// SessionTest returns a handler that runs one test case on a session. Test
// failures are reported in the response status, not as API errors.
func SessionTest(m *session.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		id, ok := req.Params["id"]
		if !ok {
			return apierror.ErrBadRequest("missing id parameter")
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var testReq apitypes.TestRequest
		if err := json.Unmarshal([]byte(req.Payload), &testReq); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		s, err := m.Get(id)
		if err != nil {
			return sessionError(err)
		}

		result, runErr := s.Run(req.Ctx, session.Request{
			Test:       testReq.Test,
			Iterations: testReq.Iterations,
			Length:     testReq.Length,
			Vary:       testReq.Vary,
			SGLen:      testReq.SGLen,
			NoWait:     testReq.NoWait,
		})
		out := apitypes.TestResponse{
			Test:       result.Test,
			Name:       result.Name,
			Status:     string(result.Status),
			DurationNs: result.Duration.Nanoseconds(),
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		logger.Debug("test run", "session", id, "test", result.Test, "status", result.Status, "duration", result.Duration)

		payload, err := json.Marshal(out)
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
