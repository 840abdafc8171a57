package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/peripheral"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/usb"
)

// PeripheralList returns a handler listing the peripherals sessions can attach to.
func PeripheralList(src peripheral.Source) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		infos, err := src.List(req.Ctx)
		if err != nil {
			return apierror.ErrBadGateway(err.Error())
		}
		out := make([]apitypes.Peripheral, 0, len(infos))
		for _, p := range infos {
			dto := apitypes.Peripheral{
				ID:         p.ID,
				Vid:        fmt.Sprintf("0x%04x", p.VendorID),
				Pid:        fmt.Sprintf("0x%04x", p.ProductID),
				Speed:      usb.SpeedString(p.Speed),
				Class:      p.Class,
				Interfaces: p.Interfaces,
			}
			if info, ok := negotiate.Lookup(p.VendorID, p.ProductID); ok {
				dto.Name = info.Name
			}
			out = append(out, dto)
		}
		payload, err := json.Marshal(apitypes.PeripheralListResponse{Peripherals: out})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
