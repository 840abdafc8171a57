package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/peripheral"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
)

// AttachTimeout bounds opening, enumerating and self-testing a peripheral.
const AttachTimeout = 30 * time.Second

// SessionAttach returns a handler that opens a peripheral from src and
// attaches a session to it. defaults supplies the profile and generic match
// used when the request does not override them.
func SessionAttach(m *session.Manager, src peripheral.Source, defaults negotiate.ProfileConfig) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var attachReq apitypes.SessionAttachRequest
		if err := json.Unmarshal([]byte(req.Payload), &attachReq); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		if attachReq.Peripheral == "" {
			return apierror.ErrBadRequest("missing peripheral")
		}
		opts, err := attachOptions(attachReq, defaults)
		if err != nil {
			return apierror.ErrBadRequest(err.Error())
		}

		ctx, cancel := context.WithTimeout(req.Ctx, AttachTimeout)
		defer cancel()
		dev, err := src.Open(ctx, attachReq.Peripheral)
		if err != nil {
			return sessionError(fmt.Errorf("open %s: %w", attachReq.Peripheral, err))
		}
		s, err := m.Attach(ctx, dev, opts)
		if err != nil {
			return sessionError(err)
		}
		logger.Info("session attached", "session", s.ID(), "peripheral", attachReq.Peripheral)

		payload, err := json.Marshal(sessionDTO(s.Info()))
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}

func attachOptions(r apitypes.SessionAttachRequest, defaults negotiate.ProfileConfig) (session.Options, error) {
	profile, err := defaults.Profile()
	if err != nil {
		return session.Options{}, err
	}
	match, err := defaults.MatchParams()
	if err != nil {
		return session.Options{}, err
	}
	opts := session.Options{
		Peripheral:     r.Peripheral,
		Interface:      r.Interface,
		Profile:        profile,
		ForceInterrupt: defaults.ForceInterrupt || r.ForceInterrupt,
		Match:          match,
	}
	if r.Alt != nil || r.WantBulk != nil || r.WantInterrupt || r.WantIso {
		p := negotiate.Profile{Bulk: true, Interrupt: r.WantInterrupt, Iso: r.WantIso, Alt: r.Alt}
		if r.WantBulk != nil {
			p.Bulk = *r.WantBulk
		}
		opts.Profile = &p
	}
	if r.MatchVendor != nil {
		opts.Match.Vendor = *r.MatchVendor
	}
	if r.MatchProduct != nil {
		opts.Match.Product = *r.MatchProduct
	}
	return opts, nil
}
