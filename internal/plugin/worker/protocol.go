// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package worker

import (
	"encoding/json"

	"github.com/fleetchat/fleet/internal/plugin/hostapi"
)

// MessageType is the operation carried by a message.
type MessageType string

// Message types crossing the host boundary.
const (
	TypeInit     MessageType = "init"
	TypeExecute  MessageType = "execute"
	TypeRender   MessageType = "render"
	TypeDispose  MessageType = "dispose"
	TypePing     MessageType = "ping"
	TypeSetState MessageType = "setState"
	TypeGetState MessageType = "getState"
	TypeConsole  MessageType = "console"
)

// Request is one message to a host. Payloads are JSON so that no Go value
// owned by the caller is shared with the interpreter; the API table is the
// single injected exception.
type Request struct {
	ID   string          `json:"id"`
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	API *hostapi.API `json:"-"`
}

// Response answers the request with the same ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Stack  string          `json:"stack,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// ConsoleMessage is out-of-band console output.
type ConsoleMessage struct {
	Type MessageType `json:"type"`
	Data ConsoleData `json:"data"`
}

// ConsoleData is the level and formatted arguments of a console call.
type ConsoleData struct {
	Type string   `json:"type"`
	Args []string `json:"args"`
}

// InitData carries the plugin to evaluate.
type InitData struct {
	PluginID string          `json:"pluginId"`
	Entry    string          `json:"entry"`
	Code     string          `json:"code"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
}

// InitResult is the opaque token returned by a successful init.
type InitResult struct {
	Token  string `json:"token"`
	Engine string `json:"engine"`
}

// ExecuteData names a command and its positional arguments.
type ExecuteData struct {
	Command string `json:"command"`
	Args    []any  `json:"args,omitempty"`
}

// RenderData names a component and its props.
type RenderData struct {
	Component string         `json:"component"`
	Props     map[string]any `json:"props,omitempty"`
}

// StateData addresses the per-host scratch map.
type StateData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}
