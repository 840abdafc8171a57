package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"
)

func TestConfigKey(t *testing.T) {
	type sample struct {
		QueueDepth   int
		BusID        uint32
		API          string
		SGLen        int `name:"sglen"`
		UpstreamAddr string
	}
	want := []string{"queue_depth", "bus_id", "api", "sglen", "upstream_addr"}
	typ := reflect.TypeOf(sample{})
	for i, w := range want {
		assert.Equal(t, w, configKey(typ.Field(i)))
	}
}

func TestServerTemplate(t *testing.T) {
	root := buildMapFromStruct(reflect.TypeOf(Server{}))

	assert.Equal(t, "gadget", root["source"])
	assert.Equal(t, []string{"zero"}, root["gadgets"])
	assert.Equal(t, "30s", root["connection_timeout"])

	gadget := root["gadget"].(map[string]any)
	assert.Equal(t, ":3241", gadget["addr"])
	assert.Equal(t, uint64(1), gadget["bus_id"])
	assert.NotContains(t, gadget, "connection_timeout")

	apiCfg := root["api"].(map[string]any)
	assert.Equal(t, ":3242", apiCfg["addr"])
	assert.NotContains(t, apiCfg, "password")

	sess := root["session"].(map[string]any)
	assert.Equal(t, int64(8), sess["payload_length"])
	assert.Equal(t, "15s", sess["detach_timeout"])

	profile := root["profile"].(map[string]any)
	assert.Equal(t, true, profile["want_bulk"])
	assert.Equal(t, int64(-1), profile["alt"])
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	for _, format := range []string{"json", "yml", "toml"} {
		t.Run(format, func(t *testing.T) {
			dest := filepath.Join(dir, "sub", "server."+format)
			c := &ConfigInit{Command: "server", Format: format, Output: dest}
			require.NoError(t, c.Run())
			assert.ErrorContains(t, c.Run(), "exists")
			c.Force = true
			require.NoError(t, c.Run())

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			var got map[string]any
			switch format {
			case "json":
				require.NoError(t, json.Unmarshal(data, &got))
			case "yml":
				require.NoError(t, yaml.Unmarshal(data, &got))
			case "toml":
				tree, err := toml.LoadBytes(data)
				require.NoError(t, err)
				got = tree.ToMap()
			}
			assert.Equal(t, "gadget", got["source"])
			assert.Contains(t, got, "session")
		})
	}
}

func TestClientTemplate(t *testing.T) {
	root := buildMapFromStruct(reflect.TypeOf(Remote{}))
	assert.Equal(t, map[string]any{
		"server":   "localhost:3242",
		"password": "",
		"key_file": false,
		"timeout":  "120s",
		"output":   "auto",
	}, root)
}
