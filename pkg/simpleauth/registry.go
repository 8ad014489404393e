package simpleauth

import (
	"fmt"
	"slices"
)

// Registry binds provider descriptors to their implementations by id.
type Registry struct {
	order []AuthProvider
	byID  map[string]registered
}

type registered struct {
	desc AuthProvider
	impl Provider
}

// NewRegistry builds a registry from validated descriptors. Every
// descriptor needs an implementation of the declared type and every
// implementation needs a descriptor; all mismatches are reported together.
func NewRegistry(descs []AuthProvider, impls map[string]Provider) (*Registry, error) {
	var problems []string

	r := &Registry{
		order: slices.Clone(descs),
		byID:  make(map[string]registered, len(descs)),
	}

	for _, d := range descs {
		impl, ok := impls[d.ID]
		if !ok || impl == nil {
			problems = append(problems, fmt.Sprintf("provider %q: no implementation bound", d.ID))
			continue
		}
		if impl.Type() != d.Type {
			problems = append(problems, fmt.Sprintf("provider %q: declared type %q but implementation is %q", d.ID, d.Type, impl.Type()))
			continue
		}
		r.byID[d.ID] = registered{desc: d, impl: impl}
	}

	var extra []string
	for id := range impls {
		if !slices.ContainsFunc(descs, func(d AuthProvider) bool { return d.ID == id }) {
			extra = append(extra, id)
		}
	}
	slices.Sort(extra)
	for _, id := range extra {
		problems = append(problems, fmt.Sprintf("provider %q: implementation bound to undeclared id", id))
	}

	if len(problems) > 0 {
		return nil, violations(ErrInvalidAuthOptions, problems)
	}
	return r, nil
}

// Resolve returns the descriptor and implementation bound to id.
func (r *Registry) Resolve(id string) (AuthProvider, Provider, error) {
	reg, ok := r.byID[id]
	if !ok {
		return AuthProvider{}, nil, ErrUnknownProvider.WithMessage("unknown provider %q", id)
	}
	return reg.desc, reg.impl, nil
}

// Descriptors returns the providers in declaration order.
func (r *Registry) Descriptors() []AuthProvider {
	return slices.Clone(r.order)
}
