// Package gateway defines the canonical message model exchanged between the
// platform adapters and the command router, the adapter registry, and the
// manager that owns adapter lifecycle.
package gateway

import (
	"context"
	"time"
)

// CommandRequest is the canonical normalized inbound message. It is produced
// exactly once per inbound event by a platform adapter; no platform-specific
// field leaks past this boundary.
type CommandRequest struct {
	Platform  string
	SenderID  string
	ChannelID string
	Username  string
	MessageID string
	Text      string
	Timestamp time.Time
}

// Button is a simple label/value action attached to a response.
type Button struct {
	Label string
	Value string
}

// CommandResponse is the router's reply: text, optional local image files,
// and optional buttons. Adapters translate it into the platform's reply
// shape.
type CommandResponse struct {
	Text    string
	Files   []string
	Buttons []Button
}

// Messenger is the outbound capability every adapter implements.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, text string) error
	SendImage(ctx context.Context, channelID, imagePath string) error
}

// Adapter is one platform connector: a lifecycle plus the outbound
// Messenger capability. Inbound delivery happens inside Start (long-poll or
// gateway connections) or through webhook routes registered on the HTTP
// server.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Messenger
}

// Handler consumes canonical requests. The command router implements it.
type Handler interface {
	Handle(ctx context.Context, req CommandRequest) (*CommandResponse, error)
}
