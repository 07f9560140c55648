package transform

import (
	"sync"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// AnyVersion registers a transformer for every protocol version.
const AnyVersion = "*"

// Transformer holds the kind-specific steps of a write. Rule scripts fill
// in the content.
type Transformer interface {
	// Skeleton returns the initial target on the create path.
	Skeleton(r *rule.Rule, req Request, source resource.Resource) resource.Resource
	// Identifier returns the search system and value of the business
	// identifier. An empty value disables the search.
	Identifier(r *rule.Rule, req Request, source resource.Resource) (system, value string)
	// Validate checks the built target before it is written.
	Validate(target resource.Resource) error
	// Dependent returns a request that must run after the write, or nil.
	Dependent(req Request, source, target resource.Resource) *Request
}

type registryKey struct {
	direction rule.Direction
	kind      string
	version   string
}

// Registry resolves transformers by direction, target kind and protocol
// version.
type Registry struct {
	mu sync.RWMutex
	m  map[registryKey]Transformer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[registryKey]Transformer)}
}

// Register adds t. version may be AnyVersion.
func (r *Registry) Register(direction rule.Direction, kind, version string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[registryKey{direction, kind, version}] = t
}

// Lookup prefers an exact version match over AnyVersion.
func (r *Registry) Lookup(direction rule.Direction, kind, version string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.m[registryKey{direction, kind, version}]; ok {
		return t, nil
	}
	if t, ok := r.m[registryKey{direction, kind, AnyVersion}]; ok {
		return t, nil
	}
	return nil, syncerr.Mappingf("no %s transformer for %s (version %s)", direction, kind, version)
}
