package gateway

import "context"

// Dispatcher fronts the command handler: every inbound request is recorded
// in the manager's diagnostic event stream before routing.
type Dispatcher struct {
	handler Handler
	manager *Manager
}

// NewDispatcher wraps the handler.
func NewDispatcher(handler Handler, manager *Manager) *Dispatcher {
	return &Dispatcher{handler: handler, manager: manager}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	if d.manager != nil {
		d.manager.RecordInbound(req)
	}
	return d.handler.Handle(ctx, req)
}
