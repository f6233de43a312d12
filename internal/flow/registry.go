// ABOUTME: Registry mapping workspace ids to loaded transition tables
// ABOUTME: Tables are swapped whole so readers never see a partially loaded flow

package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the active table per workspace.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Register installs or replaces a workspace's table.
func (r *Registry) Register(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.Workspace] = t
}

// LoadFiles loads each file and registers it. Nothing is registered unless
// every file is valid.
func (r *Registry) LoadFiles(env *Env, paths ...string) error {
	loaded := make([]*Table, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		t, err := Load(env, p)
		if err != nil {
			return fmt.Errorf("loading flow %s: %w", p, err)
		}
		if prev, dup := seen[t.Workspace]; dup {
			return &ConfigurationError{Workspace: t.Workspace, Reason: fmt.Sprintf("defined in both %s and %s", prev, p)}
		}
		seen[t.Workspace] = p
		loaded = append(loaded, t)
	}
	for _, t := range loaded {
		r.Register(t)
	}
	return nil
}

// Get returns the table for a workspace.
func (r *Registry) Get(workspaceID string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[workspaceID]
	if !ok {
		return nil, &ConfigurationError{Workspace: workspaceID, Reason: "lookup", Err: ErrUnknownWorkspace}
	}
	return t, nil
}

// Workspaces lists registered workspace ids, sorted.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tables))
	for ws := range r.tables {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}
