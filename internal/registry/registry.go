// Package registry records which endpoints serve which services
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrNoInstances = errors.New("no instances to pick from")

// Instance is one endpoint serving a service
type Instance struct {
	Service string            `json:"service"`
	Addr    string            `json:"addr"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type ServiceRegistry interface {
	Register(ctx context.Context, inst Instance) error
	Unregister(ctx context.Context, service, addr string) error
	Lookup(ctx context.Context, service string) ([]Instance, error)
}

// DiscoveryClient is the read side used by callers
type DiscoveryClient interface {
	Instances(ctx context.Context, service string) ([]Instance, error)
}

// Backend is a registry that serves both sides and holds resources until closed
type Backend interface {
	ServiceRegistry
	DiscoveryClient
	Close() error
}

type ServiceNotFoundError struct {
	Service string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("no instance of service %q is registered", e.Service)
}

func IsServiceNotFound(err error) bool {
	var nf *ServiceNotFoundError
	return errors.As(err, &nf)
}

// RoundRobin picks instances in turn. It is safe for concurrent use.
type RoundRobin struct {
	counter uint64
}

func (rr *RoundRobin) Pick(instances []Instance) (Instance, error) {
	if len(instances) == 0 {
		return Instance{}, ErrNoInstances
	}
	i := (atomic.AddUint64(&rr.counter, 1) - 1) % uint64(len(instances))
	return instances[i], nil
}
