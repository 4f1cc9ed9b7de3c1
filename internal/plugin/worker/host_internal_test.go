package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

func TestHost_HandleProtocol(t *testing.T) {
	h := newHost(DefaultEngines())
	defer h.cancel()

	resp := h.handle(Request{ID: "1", Type: "bogus"})
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, CodeProtocol, resp.Code)
	assert.Contains(t, resp.Error, `unknown message type "bogus"`)

	resp = h.handle(Request{ID: "2", Type: TypeExecute, Data: json.RawMessage(`{"command":`)})
	assert.Equal(t, CodeProtocol, resp.Code)

	resp = h.handle(Request{ID: "3", Type: TypePing})
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `"pong"`, string(resp.Result))

	resp = h.handle(Request{ID: "4", Type: TypeInit, Data: json.RawMessage(`{"pluginId":"p","entry":"index.js","code":"function f( {"}`)})
	assert.Equal(t, runtime.CodeScript, resp.Code)
	assert.Contains(t, resp.Error, "syntax error")
	assert.Nil(t, h.module)
}

func TestHost_StateClearedByDispose(t *testing.T) {
	h := newHost(DefaultEngines())
	defer h.cancel()

	first := h.handle(Request{ID: "1", Type: TypeInit, Data: json.RawMessage(`{"pluginId":"p","entry":"main.lua","code":"function f() return 1 end"}`)})
	require.Empty(t, first.Error)
	var res InitResult
	require.NoError(t, json.Unmarshal(first.Result, &res))
	assert.Equal(t, "lua", res.Engine)
	assert.Equal(t, "p", h.pluginID)

	h.handle(Request{ID: "2", Type: TypeSetState, Data: json.RawMessage(`{"key":"k","value":[1,2]}`)})
	assert.Len(t, h.state, 1)

	resp := h.handle(Request{ID: "3", Type: TypeDispose})
	assert.Empty(t, resp.Error)
	assert.Empty(t, h.state)
	assert.Empty(t, h.pluginID)
	assert.Nil(t, h.module)
}
