// Package tenant implements the key-prefixing discipline that isolates
// tenants from each other. Every durable name the system touches (stream
// names, consumer-group cursors, idempotency markers) goes through
// Scope.Key, so tenancy is expressed uniformly in the prefix and nowhere
// else.
package tenant

// StreamSuffix is the fixed stream name shared by all tenants. All tenancy
// is expressed in the prefix; the suffix never varies.
const StreamSuffix = "asdlc:events"

// Scope is the tenant context threaded through call sites. It is a plain
// value: publishers and consumers carry the scope they were constructed
// with instead of consulting process-global state.
type Scope struct {
	// Enabled turns multi-tenant prefixing on. When false, Key returns the
	// base name untouched (single-tenant mode).
	Enabled bool

	// Current is the tenant the caller is acting for.
	Current string

	// Default is used when tenancy is enabled but no current tenant is set.
	Default string
}

// Key returns the tenant-prefixed form of base: base itself when tenancy is
// disabled, otherwise "tenant:{id}:{base}".
func (s Scope) Key(base string) string {
	if !s.Enabled {
		return base
	}
	id := s.Current
	if id == "" {
		id = s.Default
	}
	return "tenant:" + id + ":" + base
}

// Stream returns the tenant-scoped event stream name.
func (s Scope) Stream() string {
	return s.Key(StreamSuffix)
}

// TenantID returns the effective tenant identifier, or "" in single-tenant
// mode.
func (s Scope) TenantID() string {
	if !s.Enabled {
		return ""
	}
	if s.Current != "" {
		return s.Current
	}
	return s.Default
}

// For returns a copy of the scope acting for the given tenant. An empty id
// leaves the scope unchanged, so event-supplied tenant IDs can be applied
// unconditionally.
func (s Scope) For(id string) Scope {
	if id != "" {
		s.Current = id
	}
	return s
}
