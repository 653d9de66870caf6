package interact

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/relaybot/skillhost/internal/skill"
)

// EtcdStates persists interaction keys in etcd under
// <prefix>/<scope>/<contextID>/<key>.
type EtcdStates struct {
	kv     clientv3.KV
	prefix string
}

// NewEtcdStates creates a store over the given etcd KV.
func NewEtcdStates(kv clientv3.KV, prefix string) *EtcdStates {
	if prefix == "" {
		prefix = "skillhost/interact"
	}
	return &EtcdStates{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *EtcdStates) key(scope skill.Scope, contextID, key string) string {
	return s.prefix + "/" + string(scope) + "/" + contextID + "/" + key
}

// Get retrieves one persisted value.
func (s *EtcdStates) Get(ctx context.Context, scope skill.Scope, contextID, key string) (string, bool, error) {
	resp, err := s.kv.Get(ctx, s.key(scope, contextID, key))
	if err != nil {
		return "", false, fmt.Errorf("interact: etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Set stores one persisted value.
func (s *EtcdStates) Set(ctx context.Context, scope skill.Scope, contextID, key, value string) error {
	if _, err := s.kv.Put(ctx, s.key(scope, contextID, key), value); err != nil {
		return fmt.Errorf("interact: etcd put %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (s *EtcdStates) Delete(ctx context.Context, scope skill.Scope, contextID string, keys ...string) error {
	for _, k := range keys {
		if _, err := s.kv.Delete(ctx, s.key(scope, contextID, k)); err != nil {
			return fmt.Errorf("interact: etcd delete %s: %w", k, err)
		}
	}
	return nil
}
