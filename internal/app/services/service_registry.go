package services

import (
	"fmt"
)

// ServiceRegistry facilitates runtime service discovery and dependency injection
// after the registration phase completes.
type ServiceRegistry struct {
	services map[string]ManagedService
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]ManagedService),
	}
}

func (r *ServiceRegistry) Register(name string, service ManagedService) {
	r.services[name] = service
}

func (r *ServiceRegistry) Get(name string) (ManagedService, error) {
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

// All is a snapshot of every registered service, keyed by name, for
// reporting on the whole managed fleet without a typed accessor per
// service.
func (r *ServiceRegistry) All() map[string]ManagedService {
	out := make(map[string]ManagedService, len(r.services))
	for name, svc := range r.services {
		out[name] = svc
	}
	return out
}
