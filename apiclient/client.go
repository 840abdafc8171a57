package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apitypes "github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
)

// Client provides a high-level interface to the usbtest API, handling request
// formatting, response parsing, and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client using the internal low-level Transport.
// The addr parameter specifies the TCP address (host:port) of the API server.
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport implementation.
// This is primarily useful for testing.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the version and identity of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

// PingCtx is the context-aware version of Ping.
func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

// GadgetList lists the gadgets exported by the gadget server.
func (c *Client) GadgetList() (*apitypes.GadgetListResponse, error) {
	return c.GadgetListCtx(context.Background())
}

func (c *Client) GadgetListCtx(ctx context.Context) (*apitypes.GadgetListResponse, error) {
	return call[apitypes.GadgetListResponse](ctx, c, "gadget/list", nil, nil)
}

// GadgetAdd exports a new gadget of devType ("zero" or "storage").
// Returns the gadget with its assigned busid (e.g. "1-1").
func (c *Client) GadgetAdd(devType string, o *device.CreateOptions) (*apitypes.Gadget, error) {
	return c.GadgetAddCtx(context.Background(), devType, o)
}

func (c *Client) GadgetAddCtx(ctx context.Context, devType string, o *device.CreateOptions) (*apitypes.Gadget, error) {
	if o == nil {
		o = &device.CreateOptions{}
	}
	req := apitypes.GadgetCreateRequest{
		Type:              &devType,
		IdVendor:          o.IdVendor,
		IdProduct:         o.IdProduct,
		ShortControlWrite: o.ShortControlWrite,
		LatencyMs:         o.LatencyMs,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gadget create request: %w", err)
	}
	return call[apitypes.Gadget](ctx, c, "gadget/add", string(payload), nil)
}

// GadgetRemove removes a gadget by its device number. An importer of the
// gadget sees its URB stream end.
func (c *Client) GadgetRemove(devID string) (*apitypes.GadgetRemoveResponse, error) {
	return c.GadgetRemoveCtx(context.Background(), devID)
}

func (c *Client) GadgetRemoveCtx(ctx context.Context, devID string) (*apitypes.GadgetRemoveResponse, error) {
	return call[apitypes.GadgetRemoveResponse](ctx, c, "gadget/remove", devID, nil)
}

// PeripheralList lists the peripherals a session can attach to.
func (c *Client) PeripheralList() (*apitypes.PeripheralListResponse, error) {
	return c.PeripheralListCtx(context.Background())
}

func (c *Client) PeripheralListCtx(ctx context.Context) (*apitypes.PeripheralListResponse, error) {
	return call[apitypes.PeripheralListResponse](ctx, c, "peripheral/list", nil, nil)
}

// SessionAttach opens a peripheral and attaches a test session to it.
func (c *Client) SessionAttach(req apitypes.SessionAttachRequest) (*apitypes.Session, error) {
	return c.SessionAttachCtx(context.Background(), req)
}

func (c *Client) SessionAttachCtx(ctx context.Context, req apitypes.SessionAttachRequest) (*apitypes.Session, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal session attach request: %w", err)
	}
	return call[apitypes.Session](ctx, c, "session/attach", string(payload), nil)
}

// SessionList lists attached sessions, oldest first.
func (c *Client) SessionList() (*apitypes.SessionListResponse, error) {
	return c.SessionListCtx(context.Background())
}

func (c *Client) SessionListCtx(ctx context.Context) (*apitypes.SessionListResponse, error) {
	return call[apitypes.SessionListResponse](ctx, c, "session/list", nil, nil)
}

// SessionGet describes one session.
func (c *Client) SessionGet(id string) (*apitypes.Session, error) {
	return c.SessionGetCtx(context.Background(), id)
}

func (c *Client) SessionGetCtx(ctx context.Context, id string) (*apitypes.Session, error) {
	return call[apitypes.Session](ctx, c, "session/{id}", nil, map[string]string{"id": id})
}

// SessionTest runs one numbered test case. A failing test is not an error:
// its outcome is in the response status.
func (c *Client) SessionTest(id string, req apitypes.TestRequest) (*apitypes.TestResponse, error) {
	return c.SessionTestCtx(context.Background(), id, req)
}

func (c *Client) SessionTestCtx(ctx context.Context, id string, req apitypes.TestRequest) (*apitypes.TestResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal test request: %w", err)
	}
	return call[apitypes.TestResponse](ctx, c, "session/{id}/test", string(payload), map[string]string{"id": id})
}

// SessionDetach detaches a session and releases its peripheral.
func (c *Client) SessionDetach(id string) (*apitypes.SessionDetachResponse, error) {
	return c.SessionDetachCtx(context.Background(), id)
}

func (c *Client) SessionDetachCtx(ctx context.Context, id string) (*apitypes.SessionDetachResponse, error) {
	return call[apitypes.SessionDetachResponse](ctx, c, "session/{id}/detach", nil, map[string]string{"id": id})
}

func call[T any](ctx context.Context, c *Client, path string, payload any, pathParams map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, pathParams)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
