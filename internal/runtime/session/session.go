// Package session scopes destinations to groups. While a group is open for a
// caller, every destination that caller addresses is prefixed "<group>-", and
// the reply listeners created under the group are tracked for cleanup.
package session

import (
	"context"
	"sort"
	"sync"
)

// ReplySuffix names the shared reply address of a grouped destination.
const ReplySuffix = "-RET"

// Prefix namespaces dest under group; an empty group leaves it unchanged.
func Prefix(group, dest string) string {
	if group == "" {
		return dest
	}
	return group + "-" + dest
}

// ReplyAddress derives the group-scoped reply address for a resolved
// destination.
func ReplyAddress(dest string) string {
	return dest + ReplySuffix
}

type groupKey struct{}

// WithGroup marks ctx as belonging to group id.
func WithGroup(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, groupKey{}, id)
}

// WithoutGroup returns a context that addresses destinations directly.
func WithoutGroup(ctx context.Context) context.Context {
	return context.WithValue(ctx, groupKey{}, "")
}

// GroupFrom returns the group carried by ctx.
func GroupFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(groupKey{}).(string)
	return id, ok && id != ""
}

// Registry tracks open groups and the reply listeners registered under them.
type Registry struct {
	mu     sync.Mutex
	groups map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[string]struct{})}
}

// Open starts group id. It reports false when the group was already open.
func (r *Registry) Open(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; ok {
		return false
	}
	r.groups[id] = make(map[string]struct{})
	return true
}

func (r *Registry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[id]
	return ok
}

// Register records listener under group id. It reports false when the group
// is not open.
func (r *Registry) Register(id, listener string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.groups[id]
	if !ok {
		return false
	}
	set[listener] = struct{}{}
	return true
}

// Listeners returns the listeners registered under id, sorted.
func (r *Registry) Listeners(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.groups[id])
}

// Close ends group id and returns the listeners that were registered under
// it. Closing an unknown or already closed group returns nil.
func (r *Registry) Close(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.groups[id]
	if !ok {
		return nil
	}
	delete(r.groups, id)
	return sortedKeys(set)
}

// Groups lists the open groups, sorted.
func (r *Registry) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.groups))
	for id := range r.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve applies the group carried by ctx to dest. The prefix is applied
// only while the registry reports the group open, so a stale context stops
// scoping traffic as soon as the group is closed.
func (r *Registry) Resolve(ctx context.Context, dest string) (resolved, group string) {
	id, ok := GroupFrom(ctx)
	if !ok || !r.IsOpen(id) {
		return dest, ""
	}
	return Prefix(id, dest), id
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
