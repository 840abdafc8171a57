package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// Gadget is a simulated peripheral exported by the USB/IP gadget server.
type Gadget struct {
	BusID    string `json:"busId"`
	DevId    string `json:"devId"`
	Vid      string `json:"vid"`
	Pid      string `json:"pid"`
	Type     string `json:"type"`
	Imported bool   `json:"imported"`
}

type GadgetListResponse struct {
	Gadgets []Gadget `json:"gadgets"`
}

type GadgetRemoveResponse struct {
	DevId string `json:"devId"`
}

type GadgetCreateRequest struct {
	Type      *string `json:"type"`
	IdVendor  *uint16 `json:"idVendor,omitempty"`
	IdProduct *uint16 `json:"idProduct,omitempty"`
	// ShortControlWrite makes the gadget accept only this many bytes of a
	// loopback control write.
	ShortControlWrite *int `json:"shortControlWrite,omitempty"`
	LatencyMs         *int `json:"latencyMs,omitempty"`
}

// UnmarshalJSON implements custom unmarshaling to accept both uint16 and hex string formats
// for idVendor and idProduct (e.g., "0x12ac" or 4780).
func (d *GadgetCreateRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type              *string `json:"type"`
		IdVendor          any     `json:"idVendor,omitempty"`
		IdProduct         any     `json:"idProduct,omitempty"`
		ShortControlWrite *int    `json:"shortControlWrite,omitempty"`
		LatencyMs         *int    `json:"latencyMs,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Type = raw.Type
	d.ShortControlWrite = raw.ShortControlWrite
	d.LatencyMs = raw.LatencyMs

	if raw.IdVendor != nil {
		val, err := parseUint16OrHex(raw.IdVendor)
		if err != nil {
			return fmt.Errorf("idVendor: %w", err)
		}
		d.IdVendor = &val
	}

	if raw.IdProduct != nil {
		val, err := parseUint16OrHex(raw.IdProduct)
		if err != nil {
			return fmt.Errorf("idProduct: %w", err)
		}
		d.IdProduct = &val
	}

	return nil
}

// Peripheral is a device the server can attach a session to.
type Peripheral struct {
	ID         string `json:"id"`
	Vid        string `json:"vid"`
	Pid        string `json:"pid"`
	Speed      string `json:"speed"`
	Class      uint8  `json:"class"`
	Interfaces int    `json:"interfaces"`
	// Name is the device table entry matching vid:pid, if any.
	Name string `json:"name,omitempty"`
}

type PeripheralListResponse struct {
	Peripherals []Peripheral `json:"peripherals"`
}

// SessionAttachRequest selects a peripheral and optionally overrides the
// endpoint profile the device table implies.
type SessionAttachRequest struct {
	Peripheral string `json:"peripheral"`
	Interface  uint8  `json:"interface,omitempty"`
	// Alt pins the alternate setting; nil scans all of them.
	Alt            *uint8 `json:"alt,omitempty"`
	WantBulk       *bool  `json:"wantBulk,omitempty"`
	WantInterrupt  bool   `json:"wantInterrupt,omitempty"`
	WantIso        bool   `json:"wantIso,omitempty"`
	ForceInterrupt bool   `json:"forceInterrupt,omitempty"`
	// MatchVendor and MatchProduct bind a device missing from the device
	// table as a generic one.
	MatchVendor  *uint16 `json:"matchVendor,omitempty"`
	MatchProduct *uint16 `json:"matchProduct,omitempty"`
}

// UnmarshalJSON accepts matchVendor and matchProduct as numbers or hex strings.
func (r *SessionAttachRequest) UnmarshalJSON(data []byte) error {
	type plain SessionAttachRequest
	var raw struct {
		plain
		MatchVendor  any `json:"matchVendor,omitempty"`
		MatchProduct any `json:"matchProduct,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = SessionAttachRequest(raw.plain)
	r.MatchVendor, r.MatchProduct = nil, nil
	if raw.MatchVendor != nil {
		val, err := parseUint16OrHex(raw.MatchVendor)
		if err != nil {
			return fmt.Errorf("matchVendor: %w", err)
		}
		r.MatchVendor = &val
	}
	if raw.MatchProduct != nil {
		val, err := parseUint16OrHex(raw.MatchProduct)
		if err != nil {
			return fmt.Errorf("matchProduct: %w", err)
		}
		r.MatchProduct = &val
	}
	return nil
}

type Pipe struct {
	Endpoint  string `json:"endpoint"`
	Type      string `json:"type"`
	MaxPacket uint16 `json:"maxPacket"`
}

type SelfTest struct {
	Status   string `json:"status"`
	Phase    string `json:"phase,omitempty"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
	Error    string `json:"error,omitempty"`
}

type Session struct {
	ID         string          `json:"id"`
	Peripheral string          `json:"peripheral"`
	State      string          `json:"state"`
	Degraded   bool            `json:"degraded"`
	Device     string          `json:"device"`
	Vid        string          `json:"vid"`
	Pid        string          `json:"pid"`
	Speed      string          `json:"speed"`
	Interface  uint8           `json:"interface"`
	Alt        uint8           `json:"alt"`
	Pipes      map[string]Pipe `json:"pipes"`
	Summary    string          `json:"summary"`
	SelfTest   SelfTest        `json:"selfTest"`
	Runs       int             `json:"runs"`
	Created    string          `json:"created"`
}

type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
}

type TestRequest struct {
	Test       int  `json:"test"`
	Iterations int  `json:"iterations"`
	Length     int  `json:"length"`
	Vary       int  `json:"vary"`
	SGLen      int  `json:"sglen"`
	NoWait     bool `json:"nowait"`
}

type TestResponse struct {
	Test       int    `json:"test"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationNs int64  `json:"durationNs"`
	Error      string `json:"error,omitempty"`
}

type SessionDetachResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// parseUint16OrHex accepts either a JSON number or a hex string like "0x12ac"
func parseUint16OrHex(v any) (uint16, error) {
	switch val := v.(type) {
	case float64:
		if val < 0 || val > 65535 {
			return 0, fmt.Errorf("value %v out of uint16 range", val)
		}
		return uint16(val), nil
	case string:
		s := strings.TrimSpace(val)
		base := 10
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
			base = 16
		} else if len(s) > 0 {
			if strings.ContainsAny(s, "abcdefABCDEF") {
				base = 16
			}
		}
		parsed, err := strconv.ParseUint(s, base, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid hex/numeric string %q: %w", val, err)
		}
		return uint16(parsed), nil
	default:
		return 0, fmt.Errorf("expected number or hex string, got %T", v)
	}
}
