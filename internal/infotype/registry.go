package infotype

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// Registry is a versioned, immutable set of InfoTypes. Changes produce a
// new Registry with a higher version; an existing one is never mutated.
type Registry struct {
	version   int
	types     []InfoType
	index     map[string]int
	detectors []*Detector
}

// NewRegistry compiles every InfoType. A single malformed entry fails the
// whole registry.
func NewRegistry(version int, types []InfoType) (*Registry, error) {
	if version <= 0 {
		return nil, phierr.Configurationf("infotype.registry", "version", "version must be positive, got %d", version)
	}
	if len(types) == 0 {
		return nil, phierr.Configuration("infotype.registry", "types", errors.New("registry has no info types"))
	}
	r := &Registry{
		version:   version,
		types:     make([]InfoType, len(types)),
		index:     make(map[string]int, len(types)),
		detectors: make([]*Detector, 0, len(types)),
	}
	copy(r.types, types)
	for i, it := range r.types {
		if _, dup := r.index[it.ID]; dup {
			return nil, phierr.Configurationf("infotype.registry", "id", "duplicate info type %q", it.ID)
		}
		r.index[it.ID] = i
		det, err := Compile(it)
		if err != nil {
			return nil, err
		}
		r.detectors = append(r.detectors, det)
	}
	return r, nil
}

// MustRegistry is NewRegistry for static catalogs known to be valid.
func MustRegistry(version int, types []InfoType) *Registry {
	r, err := NewRegistry(version, types)
	if err != nil {
		panic(fmt.Sprintf("infotype: %v", err))
	}
	return r
}

func (r *Registry) Version() int { return r.version }

// Types returns a copy of the catalog in declaration order.
func (r *Registry) Types() []InfoType {
	out := make([]InfoType, len(r.types))
	copy(out, r.types)
	return out
}

// IDs returns the info type ids sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.types))
	for _, it := range r.types {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds an InfoType by id.
func (r *Registry) Lookup(id string) (InfoType, bool) {
	i, ok := r.index[id]
	if !ok {
		return InfoType{}, false
	}
	return r.types[i], true
}

// Detectors returns the compiled detectors. The slice is shared and must not
// be modified.
func (r *Registry) Detectors() []*Detector {
	return r.detectors
}

// Weights maps info type ids to base risk weights.
func (r *Registry) Weights() map[string]float64 {
	out := make(map[string]float64, len(r.types))
	for _, it := range r.types {
		out[it.ID] = it.BaseRiskWeight
	}
	return out
}

// Select returns a registry restricted to the given ids, keeping the version.
func (r *Registry) Select(ids ...string) (*Registry, error) {
	types := make([]InfoType, 0, len(ids))
	for _, id := range ids {
		it, ok := r.Lookup(id)
		if !ok {
			return nil, phierr.Configurationf("infotype.select", "id", "unknown info type %q", id)
		}
		types = append(types, it)
	}
	return NewRegistry(r.version, types)
}

// WithTypes returns the next version of the registry with the given types
// added or replacing entries with the same id.
func (r *Registry) WithTypes(types ...InfoType) (*Registry, error) {
	next := r.Types()
	for _, it := range types {
		if i, ok := r.index[it.ID]; ok {
			next[i] = it
			continue
		}
		next = append(next, it)
	}
	return NewRegistry(r.version+1, next)
}
