// Package wire holds the JSON frames exchanged over the chat channel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tasksync/cli/internal/syncerr"
)

type Type string

const (
	TypeMessage     Type = "message"
	TypePing        Type = "ping"
	TypeUserMessage Type = "user_message"
	TypeAIResponse  Type = "ai_response"
	TypeError       Type = "error"
	TypePong        Type = "pong"
)

type Outbound struct {
	Type    Type   `json:"type"`
	Content string `json:"content,omitempty"`
}

func MessageFrame(content string) Outbound {
	return Outbound{Type: TypeMessage, Content: content}
}

func PingFrame() Outbound {
	return Outbound{Type: TypePing}
}

func (o Outbound) Encode() (string, error) {
	if o.Type == "" {
		return "", errors.New("frame type is required")
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type Inbound struct {
	Type      Type   `json:"type"`
	Content   string `json:"content,omitempty"`
	PayloadID *int64 `json:"payload_id,omitempty"`
	Timestamp Time   `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Known reports whether the frame type is one the client dispatches.
func (in Inbound) Known() bool {
	switch in.Type {
	case TypeUserMessage, TypeAIResponse, TypeError, TypePong:
		return true
	default:
		return false
	}
}

// Reconcilable reports whether an echo or response carries what is needed to
// replace a placeholder: a server-assigned id and content.
func (in Inbound) Reconcilable() bool {
	return in.PayloadID != nil && in.Content != ""
}

// DecodeInbound parses one inbound text frame. Failures are reported as
// syncerr.MalformedMessage.
func DecodeInbound(raw string) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return Inbound{}, syncerr.New(syncerr.MalformedMessage, "wire.decode", err)
	}
	in.Type = Type(strings.TrimSpace(string(in.Type)))
	if in.Type == "" {
		return Inbound{}, syncerr.New(syncerr.MalformedMessage, "wire.decode", fmt.Errorf("missing type"))
	}
	return in, nil
}
