package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps registrations in process, for single-host deployments and tests
type MemoryRegistry struct {
	m        sync.RWMutex
	services map[string]map[string]Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{services: make(map[string]map[string]Instance)}
}

func (r *MemoryRegistry) Register(_ context.Context, inst Instance) error {
	r.m.Lock()
	defer r.m.Unlock()
	insts, ok := r.services[inst.Service]
	if !ok {
		insts = make(map[string]Instance)
		r.services[inst.Service] = insts
	}
	insts[inst.Addr] = inst
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, service, addr string) error {
	r.m.Lock()
	defer r.m.Unlock()
	insts, ok := r.services[service]
	if !ok {
		return nil
	}
	delete(insts, addr)
	if len(insts) == 0 {
		delete(r.services, service)
	}
	return nil
}

// Lookup returns the instances of service ordered by address
func (r *MemoryRegistry) Lookup(_ context.Context, service string) ([]Instance, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	insts := r.services[service]
	if len(insts) == 0 {
		return nil, &ServiceNotFoundError{Service: service}
	}
	ret := make([]Instance, 0, len(insts))
	for _, inst := range insts {
		ret = append(ret, inst)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Addr < ret[j].Addr })
	return ret, nil
}

func (r *MemoryRegistry) Instances(ctx context.Context, service string) ([]Instance, error) {
	return r.Lookup(ctx, service)
}

func (r *MemoryRegistry) Close() error { return nil }

// Fallback answers lookups the primary client cannot with a single default address
type Fallback struct {
	Primary DiscoveryClient
	Addr    string
}

func (f Fallback) Instances(ctx context.Context, service string) ([]Instance, error) {
	if f.Primary != nil {
		insts, err := f.Primary.Instances(ctx, service)
		if err == nil || !IsServiceNotFound(err) || f.Addr == "" {
			return insts, err
		}
	}
	if f.Addr == "" {
		return nil, &ServiceNotFoundError{Service: service}
	}
	return []Instance{{Service: service, Addr: f.Addr}}, nil
}
