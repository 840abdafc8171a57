package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
)

// Ping returns a handler reporting the server name and version.
func Ping(version string) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(apitypes.PingResponse{Server: "usbtest", Version: version})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
