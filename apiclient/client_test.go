package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiclient "github.com/Alia5/usbtest/apiclient"
	apitypes "github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
)

type captured struct {
	path    string
	payload any
	params  map[string]string
}

// testClient constructs a client backed by a simple in-memory responder.
// responses maps path patterns (before parameter substitution) to raw JSON.
// If err is non-nil, every request returns that error, simulating dial failures.
func testClient(responses map[string]string, err error, got *captured) *apiclient.Client {
	return apiclient.WithTransport(apiclient.NewMockTransport(func(path string, payload any, params map[string]string) (string, error) {
		if got != nil {
			*got = captured{path: path, payload: payload, params: params}
		}
		if err != nil {
			return "", err
		}
		return responses[path], nil
	}))
}

func TestHighLevelClient(t *testing.T) {
	tests := []struct {
		name       string
		responses  map[string]string
		inject     error
		call       func(c *apiclient.Client) (any, error)
		wantErr    string
		assertFunc func(t *testing.T, got any, req captured)
	}{
		{
			name:      "ping",
			responses: map[string]string{"ping": `{"server":"usbtest","version":"dev"}`},
			call:      func(c *apiclient.Client) (any, error) { return c.Ping() },
			assertFunc: func(t *testing.T, got any, _ captured) {
				assert.Equal(t, "usbtest", got.(*apitypes.PingResponse).Server)
			},
		},
		{
			name:      "gadget add sends options",
			responses: map[string]string{"gadget/add": `{"busId":"1-1","devId":"1","vid":"0x0525","pid":"0xa4a0","type":"zero","imported":false}`},
			call: func(c *apiclient.Client) (any, error) {
				n := 5
				return c.GadgetAdd("zero", &device.CreateOptions{ShortControlWrite: &n})
			},
			assertFunc: func(t *testing.T, got any, req captured) {
				assert.Equal(t, "1-1", got.(*apitypes.Gadget).BusID)
				var body apitypes.GadgetCreateRequest
				require.NoError(t, json.Unmarshal([]byte(req.payload.(string)), &body))
				assert.Equal(t, "zero", *body.Type)
				assert.Equal(t, 5, *body.ShortControlWrite)
				assert.Nil(t, body.IdVendor)
			},
		},
		{
			name: "gadget add error structured",
			responses: map[string]string{
				"gadget/add": `{"status":400,"title":"Bad Request","detail":"unknown gadget type \"hid\""}`,
			},
			call:    func(c *apiclient.Client) (any, error) { return c.GadgetAdd("hid", nil) },
			wantErr: "400 Bad Request: unknown gadget type \"hid\"",
		},
		{
			name:      "gadget remove sends device number",
			responses: map[string]string{"gadget/remove": `{"devId":"2"}`},
			call:      func(c *apiclient.Client) (any, error) { return c.GadgetRemove("2") },
			assertFunc: func(t *testing.T, got any, req captured) {
				assert.Equal(t, "2", req.payload)
				assert.Equal(t, "2", got.(*apitypes.GadgetRemoveResponse).DevId)
			},
		},
		{
			name:      "peripherals empty",
			responses: map[string]string{"peripheral/list": `{"peripherals":[]}`},
			call:      func(c *apiclient.Client) (any, error) { return c.PeripheralList() },
			assertFunc: func(t *testing.T, got any, _ captured) {
				assert.Empty(t, got.(*apitypes.PeripheralListResponse).Peripherals)
			},
		},
		{
			name:      "session test fills id",
			responses: map[string]string{"session/{id}/test": `{"test":1,"name":"bulk write","status":"timeout","durationNs":5,"error":"timed out"}`},
			call: func(c *apiclient.Client) (any, error) {
				return c.SessionTest("abc", apitypes.TestRequest{Test: 1, Iterations: 1, Length: 64})
			},
			assertFunc: func(t *testing.T, got any, req captured) {
				assert.Equal(t, map[string]string{"id": "abc"}, req.params)
				resp := got.(*apitypes.TestResponse)
				assert.Equal(t, "timeout", resp.Status)
				assert.Equal(t, "timed out", resp.Error)
			},
		},
		{
			name:      "session detach",
			responses: map[string]string{"session/{id}/detach": `{"id":"abc","status":"detach-timeout"}`},
			call:      func(c *apiclient.Client) (any, error) { return c.SessionDetach("abc") },
			assertFunc: func(t *testing.T, got any, _ captured) {
				assert.Equal(t, "detach-timeout", got.(*apitypes.SessionDetachResponse).Status)
			},
		},
		{
			name:      "session not found",
			responses: map[string]string{"session/{id}": `{"status":404,"title":"Not Found","detail":"session not found"}`},
			call:      func(c *apiclient.Client) (any, error) { return c.SessionGet("nope") },
			wantErr:   "404 Not Found",
		},
		{
			name:    "transport failure",
			inject:  errors.New("dial fail"),
			call:    func(c *apiclient.Client) (any, error) { return c.SessionList() },
			wantErr: "dial fail",
		},
		{
			name:    "blank response error",
			call:    func(c *apiclient.Client) (any, error) { return c.GadgetList() },
			wantErr: "empty response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req captured
			c := testClient(tt.responses, tt.inject, &req)
			got, err := tt.call(c)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.assertFunc != nil {
				tt.assertFunc(t, got, req)
			}
		})
	}
}

func TestAPIErrorIsTyped(t *testing.T) {
	c := testClient(map[string]string{"session/list": `{"status":502,"title":"Bad Gateway","detail":"x"}`}, nil, nil)
	_, err := c.SessionList()
	var apiErr *apitypes.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.Status)
}

func TestContextCancellation(t *testing.T) {
	c := apiclient.WithTransport(apiclient.NewTransport("127.0.0.1:9")) // address irrelevant due to early cancel
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.SessionListCtx(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStrictJSONDecode(t *testing.T) {
	c := testClient(map[string]string{"gadget/list": `{"gadgets":[],"extra":true}`}, nil, nil)
	_, err := c.GadgetList()
	assert.ErrorContains(t, err, "decode")
}
