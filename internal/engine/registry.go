package engine

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Priorities overrides descriptor priorities by provider ID. A registry only sees a new
// snapshot after Apply.
type Priorities map[string]int

type registration struct {
	provider   Provider
	descriptor Descriptor
	capability Capability
	order      uint64
}

// Registry holds the installed providers and resolves which one handles a file.
// Resolution is safe to call concurrently with Register and Unregister.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]*registration
	candidates map[string][]*registration // format -> candidates, best first
	priorities Priorities
	nextOrder  uint64
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		providers:  make(map[string]*registration),
		candidates: make(map[string][]*registration),
		priorities: Priorities{},
		logger:     logger,
	}
}

// Register adds a provider or replaces the one with the same ID. A replaced provider
// keeps its original registration order.
func (r *Registry) Register(provider Provider) {
	desc := provider.Descriptor()
	capability := effectiveCapability(provider, desc.Capability)
	if capability != desc.Capability {
		r.logger.Warn("provider does not implement its declared capability",
			zap.String("provider", desc.ID),
			zap.Stringer("declared", desc.Capability),
			zap.Stringer("effective", capability),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{provider: provider, descriptor: desc, capability: capability}
	if existing, ok := r.providers[desc.ID]; ok {
		reg.order = existing.order
		r.removeCandidates(existing)
	} else {
		r.nextOrder++
		reg.order = r.nextOrder
	}
	r.providers[desc.ID] = reg

	for _, format := range lo.Uniq(desc.Formats) {
		r.candidates[format] = append(r.candidates[format], reg)
		r.sortCandidates(format)
	}

	r.logger.Debug("registered provider",
		zap.String("provider", desc.ID),
		zap.Strings("formats", desc.Formats),
		zap.Stringer("capability", capability),
	)
}

// Unregister removes a provider. It returns false if the ID was not registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.providers[id]
	if !ok {
		return false
	}
	delete(r.providers, id)
	r.removeCandidates(reg)

	r.logger.Debug("unregistered provider", zap.String("provider", id))
	return true
}

// Apply installs a new priorities snapshot and re-orders every candidate list.
func (r *Registry) Apply(priorities Priorities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.priorities = maps.Clone(priorities)
	if r.priorities == nil {
		r.priorities = Priorities{}
	}
	for format := range r.candidates {
		r.sortCandidates(format)
	}
}

// Priority returns the effective priority of a registered provider.
func (r *Registry) Priority(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.providers[id]
	if !ok {
		return 0, false
	}
	return r.priorityOf(reg), true
}

// ResolveRead returns the best read provider for a file name or extension.
func (r *Registry) ResolveRead(nameOrExt string) (Reader, bool) {
	p, ok := r.resolve(nameOrExt, CapabilityRead)
	if !ok {
		return nil, false
	}
	return p.(Reader), true
}

// ResolveWrite returns the best write provider for a file name or extension.
func (r *Registry) ResolveWrite(nameOrExt string) (Writer, bool) {
	p, ok := r.resolve(nameOrExt, CapabilityWrite)
	if !ok {
		return nil, false
	}
	return p.(Writer), true
}

// RequireRead is ResolveRead for callers that cannot continue without a provider.
func (r *Registry) RequireRead(nameOrExt string) (Reader, error) {
	if p, ok := r.ResolveRead(nameOrExt); ok {
		return p, nil
	}
	return nil, &UnsupportedFormatError{Name: nameOrExt, Capability: CapabilityRead, Available: r.Formats(CapabilityRead)}
}

// RequireWrite is ResolveWrite for callers that cannot continue without a provider.
func (r *Registry) RequireWrite(nameOrExt string) (Writer, error) {
	if p, ok := r.ResolveWrite(nameOrExt); ok {
		return p, nil
	}
	return nil, &UnsupportedFormatError{Name: nameOrExt, Capability: CapabilityWrite, Available: r.Formats(CapabilityWrite)}
}

// CanRead reports whether some provider can read the given file or entry name. Names
// are never taken as bare extensions, so "bin/tar" is not readable.
func (r *Registry) CanRead(name string) bool {
	_, ok := r.resolveTokens(FileExtensions(name), CapabilityRead)
	return ok
}

// ListByCapability returns the providers having the capability, best priority first,
// then in registration order.
func (r *Registry) ListByCapability(capability Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := lo.Filter(lo.Values(r.providers), func(reg *registration, _ int) bool {
		return reg.capability.Has(capability)
	})
	slices.SortFunc(regs, r.compare)
	return lo.Map(regs, func(reg *registration, _ int) Provider {
		return reg.provider
	})
}

// Formats returns the sorted formats that have at least one provider with the capability.
func (r *Registry) Formats(capability Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.formats(capability)
}

func (r *Registry) formats(capability Capability) []string {
	formats := lo.Filter(lo.Keys(r.candidates), func(format string, _ int) bool {
		return lo.ContainsBy(r.candidates[format], func(reg *registration) bool {
			return reg.capability.Has(capability)
		})
	})
	slices.Sort(formats)
	return formats
}

func (r *Registry) resolve(nameOrExt string, capability Capability) (Provider, bool) {
	return r.resolveTokens(Extensions(nameOrExt), capability)
}

func (r *Registry) resolveTokens(exts []string, capability Capability) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ext := range exts {
		for _, reg := range r.candidates[ext] {
			if reg.capability.Has(capability) {
				return reg.provider, true
			}
		}
	}
	return nil, false
}

func (r *Registry) removeCandidates(reg *registration) {
	for _, format := range reg.descriptor.Formats {
		remaining := lo.Without(r.candidates[format], reg)
		if len(remaining) == 0 {
			delete(r.candidates, format)
			continue
		}
		r.candidates[format] = remaining
	}
}

func (r *Registry) sortCandidates(format string) {
	slices.SortFunc(r.candidates[format], r.compare)
}

func (r *Registry) compare(a, b *registration) int {
	if c := cmp.Compare(r.priorityOf(b), r.priorityOf(a)); c != 0 {
		return c
	}
	return cmp.Compare(a.order, b.order)
}

func (r *Registry) priorityOf(reg *registration) int {
	if p, ok := r.priorities[reg.descriptor.ID]; ok {
		return p
	}
	return reg.descriptor.Priority
}

func effectiveCapability(p Provider, declared Capability) Capability {
	var c Capability
	if _, ok := p.(Reader); ok && declared.Has(CapabilityRead) {
		c |= CapabilityRead
	}
	if _, ok := p.(Writer); ok && declared.Has(CapabilityWrite) {
		c |= CapabilityWrite
	}
	return c
}
