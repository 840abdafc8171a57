package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// GadgetRemove returns a handler that removes a gadget by device number.
// Removing an imported gadget ends the importer's URB stream.
func GadgetRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		deviceID := strings.TrimSpace(req.Payload)
		if deviceID == "" {
			return apierror.ErrBadRequest("missing device number")
		}
		if err := s.Bus().RemoveDeviceByID(deviceID); err != nil {
			if errors.Is(err, virtualbus.ErrNotFound) {
				return apierror.ErrNotFound(fmt.Sprintf("device %s not found", deviceID))
			}
			return apierror.ErrBadRequest(err.Error())
		}
		logger.Info("gadget removed", "devId", deviceID)

		j, err := json.Marshal(apitypes.GadgetRemoveResponse{DevId: deviceID})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(j)
		return nil
	}
}
