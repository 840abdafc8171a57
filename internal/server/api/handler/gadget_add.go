package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	usbs "github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// GadgetAdd returns a handler that exports a new simulated gadget.
func GadgetAdd(s *usbs.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var createReq apitypes.GadgetCreateRequest
		if err := json.Unmarshal([]byte(req.Payload), &createReq); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		if createReq.Type == nil {
			return apierror.ErrBadRequest("missing device type")
		}

		name := strings.ToLower(*createReq.Type)
		gt, ok := api.LookupGadget(name)
		if !ok {
			return apierror.ErrBadRequest(fmt.Sprintf("unknown gadget type %q (known: %s)", name, api.GadgetNames()))
		}

		dev, err := gt.New(&device.CreateOptions{
			IdVendor:          createReq.IdVendor,
			IdProduct:         createReq.IdProduct,
			ShortControlWrite: createReq.ShortControlWrite,
			LatencyMs:         createReq.LatencyMs,
		})
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("create %s: %v", name, err))
		}
		devCtx, err := s.Bus().Add(dev)
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to add device to bus: %v", err))
		}
		meta := device.GetDeviceMeta(devCtx)
		if meta == nil {
			return apierror.ErrInternal("failed to get device metadata from context")
		}
		logger.Info("gadget added", "type", name, "busid", meta.BusIDString())

		payload, err := json.Marshal(gadgetDTO(virtualbus.DeviceMeta{Dev: dev, Meta: *meta}))
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
