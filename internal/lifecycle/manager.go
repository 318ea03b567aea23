// Package lifecycle provides the Service/Manager shape every long-running
// component in this repo implements: the Supervisor's loops, the Ingest
// Gate's UDP bind/unbind, and the HTTP surface all register with one
// Manager so startup order and shutdown order are explicit and
// deterministic.
package lifecycle

import (
	"context"
	"fmt"
)

// Service is a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in
// reverse order.
type Manager struct {
	services []Service
	started  []Service
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to be started by Start, in order.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("lifecycle: nil service")
	}
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("lifecycle: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in order. If one fails, the
// services started so far are stopped in reverse order before returning
// the error.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			_ = m.Stop(context.Background())
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops every started service in reverse start order, collecting
// but not short-circuiting on errors.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
		}
	}
	m.started = nil
	return firstErr
}

// NoopService is a named lifecycle service with no behavior, used for
// components that are accounted for in introspection but manage their
// own goroutines elsewhere.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                   { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error { return nil }
func (n NoopService) Stop(ctx context.Context) error  { return nil }
