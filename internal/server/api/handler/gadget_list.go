package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// GadgetList returns a handler that lists the gadgets the USB/IP server exports.
func GadgetList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		metas := s.Bus().GetAllDeviceMetas()
		out := make([]apitypes.Gadget, 0, len(metas))
		for _, m := range metas {
			out = append(out, gadgetDTO(m))
		}
		payload, err := json.Marshal(apitypes.GadgetListResponse{Gadgets: out})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}

func gadgetDTO(m virtualbus.DeviceMeta) apitypes.Gadget {
	desc := m.Dev.GetDescriptor()
	return apitypes.Gadget{
		BusID:    m.Meta.BusIDString(),
		DevId:    fmt.Sprintf("%d", m.Meta.DevId),
		Vid:      fmt.Sprintf("0x%04x", desc.Device.IDVendor),
		Pid:      fmt.Sprintf("0x%04x", desc.Device.IDProduct),
		Type:     inferDeviceType(m.Dev),
		Imported: m.Imported,
	}
}

// inferDeviceType derives the registered type name from the package the
// device lives in, e.g. "zero" for device/zero.
func inferDeviceType(dev any) string {
	if dev == nil {
		return ""
	}
	t := reflect.TypeOf(dev)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if pkg := t.PkgPath(); pkg != "" {
		base := filepath.Base(pkg)
		if base != "." && base != string(filepath.Separator) {
			return strings.ToLower(base)
		}
	}
	return strings.ToLower(t.Name())
}
