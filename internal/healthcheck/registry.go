// Package healthcheck implements the health-checker cluster: a UDP heartbeat
// listener for worker containers, a TCP peer mesh for Bully leader election
// among health-checker replicas, and a Docker Engine API revival loop that
// only the elected leader runs.
package healthcheck

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Registry is a thread-safe last-seen tracker, shared by the worker-heartbeat
// table and the peer-heartbeat table (spec.md §4.G's WorkerRegistry and
// PeerRegistry are the same shape, so one type serves both).
type Registry struct {
	persistPath string

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRegistry returns an empty registry. persistPath may be empty, in which
// case Load/Persist are no-ops — used for the peer registry, which is
// rebuilt from live heartbeats on every restart.
func NewRegistry(persistPath string) *Registry {
	return &Registry{persistPath: persistPath, lastSeen: make(map[string]time.Time)}
}

// Update records key as seen at ts, registering it if new.
func (r *Registry) Update(key string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[key] = ts
}

// Remove drops key from the registry.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSeen, key)
}

// Dead returns every key whose last heartbeat is older than timeout.
func (r *Registry) Dead(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var dead []string
	for key, ts := range r.lastSeen {
		if now.Sub(ts) > timeout {
			dead = append(dead, key)
		}
	}
	return dead
}

// Alive returns every key whose last heartbeat is within timeout.
func (r *Registry) Alive(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var alive []string
	for key, ts := range r.lastSeen {
		if now.Sub(ts) <= timeout {
			alive = append(alive, key)
		}
	}
	return alive
}

// Keys returns every registered key, alive or dead.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.lastSeen))
	for key := range r.lastSeen {
		keys = append(keys, key)
	}
	return keys
}

type registrySnapshot struct {
	LastSeen map[string]time.Time `json:"last_seen"`
}

// Persist writes the registry to persistPath so a restarted health-checker
// doesn't immediately treat every worker as dead. No-op if persistPath is
// empty.
func (r *Registry) Persist() error {
	if r.persistPath == "" {
		return nil
	}
	r.mu.Lock()
	snap := registrySnapshot{LastSeen: make(map[string]time.Time, len(r.lastSeen))}
	for k, v := range r.lastSeen {
		snap.LastSeen[k] = v
	}
	r.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := r.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.persistPath)
}

// Load restores the registry from persistPath, if it exists. No-op if
// persistPath is empty or the file doesn't exist yet.
func (r *Registry) Load() error {
	if r.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range snap.LastSeen {
		r.lastSeen[k] = v
	}
	return nil
}
