package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/Alia5/usbtest/apitypes"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
	"github.com/Alia5/usbtest/usb"
)

func sessionDTO(info session.Info) apitypes.Session {
	pipes := map[string]apitypes.Pipe{}
	for slot := negotiate.SlotBulkIn; slot <= negotiate.SlotIntOut; slot++ {
		p := info.Pipes.Get(slot)
		if !p.Valid {
			continue
		}
		pipes[slot.String()] = apitypes.Pipe{
			Endpoint:  fmt.Sprintf("0x%02x", p.Address()),
			Type:      p.Type.String(),
			MaxPacket: p.Endpoint.WMaxPacketSize,
		}
	}
	st := info.LastSelfTest
	self := apitypes.SelfTest{
		Status:   st.Status.String(),
		Phase:    string(st.Phase),
		Expected: st.Expected,
		Actual:   st.Actual,
	}
	if st.Cause != nil {
		self.Error = st.Cause.Error()
	}
	return apitypes.Session{
		ID:         info.ID,
		Peripheral: info.Peripheral,
		State:      info.State.String(),
		Degraded:   info.Degraded,
		Device:     info.Device.Name,
		Vid:        fmt.Sprintf("0x%04x", info.VendorID),
		Pid:        fmt.Sprintf("0x%04x", info.ProductID),
		Speed:      usb.SpeedString(info.Speed),
		Interface:  info.Interface,
		Alt:        info.Alt,
		Pipes:      pipes,
		Summary:    info.Summary,
		SelfTest:   self,
		Runs:       info.Runs,
		Created:    info.Created.UTC().Format(time.RFC3339Nano),
	}
}

// sessionError maps session and negotiation errors onto API errors.
func sessionError(err error) error {
	st := session.StatusOf(err)
	switch st {
	case session.StatusNotFound:
		return apierror.ErrNotFound(err.Error())
	case session.StatusInvalidRequest:
		return apierror.ErrBadRequest(err.Error())
	case session.StatusNoMatch, session.StatusNoDevice:
		return apierror.ErrUnprocessable(fmt.Sprintf("%s: %v", st, err))
	case session.StatusDetached, session.StatusBusy:
		return apierror.ErrConflict(fmt.Sprintf("%s: %v", st, err))
	}
	if errors.Is(err, usb.ErrNoDevice) {
		return apierror.ErrNotFound(err.Error())
	}
	return apierror.ErrBadGateway(fmt.Sprintf("%s: %v", st, err))
}
