package main

import (
	"encoding/json"
	"fmt"
)

// Frame types shared with the hub.
const (
	msgRegisterAgent  = "register-agent"
	msgRegistered     = "registered"
	msgHeartbeat      = "heartbeat"
	msgCommandExecute = "command:execute"
	msgCommandResult  = "command:result"
	msgConfigUpdate   = "config:update"
	msgError          = "error"
)

const (
	statusPending   = "PENDING"
	statusExecuting = "EXECUTING"
	statusCompleted = "COMPLETED"
	statusFailed    = "FAILED"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(msgType string, payload any) (message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return message{}, fmt.Errorf("failed to encode %s: %w", msgType, err)
	}
	return message{Type: msgType, Payload: data}, nil
}

func (m message) decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// command is the hub's AgentCommand as the agent sees it.
type command struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agentId"`
	CommandType string         `json:"commandType"`
	CommandData map[string]any `json:"commandData,omitempty"`
	Status      string         `json:"status"`
}

type commandResult struct {
	CommandID string         `json:"commandId"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type registerPayload struct {
	AgentID      string `json:"agentId"`
	Hostname     string `json:"hostname,omitempty"`
	OSType       string `json:"osType,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

type registeredPayload struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type heartbeatPayload struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status,omitempty"`
}
