package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefix          = "/remoting/"
	defaultTTL         = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

func serviceKeyPrefix(service string) string { return keyPrefix + service + "/" }

func instanceKey(service, addr string) string { return serviceKeyPrefix(service) + addr }

// EtcdRegistry stores registrations in etcd under /remoting/{service}/{host:port}. Every
// registration is attached to a lease kept alive for as long as the registry is open, so the
// entries of a crashed server expire after the TTL.
type EtcdRegistry struct {
	client *clientv3.Client
	ttl    time.Duration

	// parent of the keepalive streams
	ctx    context.Context
	cancel context.CancelFunc

	m      sync.Mutex
	leases map[string]clientv3.LeaseID
}

func NewEtcdRegistry(endpoints []string, ttl time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		ttl:    ttl,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) Register(ctx context.Context, inst Instance) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	ttlSeconds := int64(r.ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	lease, err := r.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}
	key := instanceKey(inst.Service, inst.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("putting %v: %w", key, err)
	}
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		log.Debugf("stopped keeping %v alive", key)
	}()

	r.m.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.m.Unlock()
	if replaced {
		_, _ = r.client.Revoke(ctx, old)
	}
	log.Infof("registered %v at %v", inst.Service, inst.Addr)
	return nil
}

func (r *EtcdRegistry) Unregister(ctx context.Context, service, addr string) error {
	key := instanceKey(service, addr)
	r.m.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.m.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %v: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			log.Debugf("failed to revoke lease of %v: %v", key, err)
		}
	}
	return nil
}

func (r *EtcdRegistry) Lookup(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKeyPrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing %v: %w", service, err)
	}
	ret := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			log.Warnf("skipping malformed registration %s: %v", kv.Key, err)
			continue
		}
		ret = append(ret, inst)
	}
	if len(ret) == 0 {
		return nil, &ServiceNotFoundError{Service: service}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Addr < ret[j].Addr })
	return ret, nil
}

func (r *EtcdRegistry) Instances(ctx context.Context, service string) ([]Instance, error) {
	return r.Lookup(ctx, service)
}

// Watch emits the full instance list of service every time it changes, until ctx is done
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, serviceKeyPrefix(service), clientv3.WithPrefix()) {
			insts, err := r.Lookup(ctx, service)
			if err != nil && !IsServiceNotFound(err) {
				log.Debugf("failed to list %v after a change: %v", service, err)
				continue
			}
			select {
			case ch <- insts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every registration made through r and disconnects from etcd
func (r *EtcdRegistry) Close() error {
	r.m.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	for key, lease := range leases {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			log.Debugf("failed to revoke lease of %v: %v", key, err)
		}
	}
	r.cancel()
	return r.client.Close()
}
