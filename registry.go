package actionctl

import (
	"fmt"
)

// Registry indexes action definitions across modules, resolving declared
// transfers and computing the transitive read/write lock closures the Queue
// uses to schedule top-level invocations.
type Registry struct {
	modules []*Module

	byID  map[string]*ActionDef
	byDef map[*ActionDef]string
	owner map[*ActionDef]*Module

	// transfers holds the normalized (pointer-identity) transfer targets for
	// each ActionDef, resolved once at construction time. This is the
	// documented resolution of spec.md §9's reference-vs-name open question.
	transfers map[*ActionDef]map[*ActionDef]struct{}

	readsStar  map[*ActionDef]LockSet
	writesStar map[*ActionDef]LockSet
}

// NewRegistry validates and indexes modules, returning a Registry ready for
// use by a Controller. It fails construction (a ProgrammerError) if any
// declared lock is unknown, any declared transfer target cannot be resolved,
// or any action's declared locks are not a superset of every transfer
// target's transitive closure (spec.md §8 invariant 4).
func NewRegistry(modules []*Module) (*Registry, error) {
	r := &Registry{
		modules:   modules,
		byID:      make(map[string]*ActionDef),
		byDef:     make(map[*ActionDef]string),
		owner:     make(map[*ActionDef]*Module),
		transfers: make(map[*ActionDef]map[*ActionDef]struct{}),
	}

	for _, m := range modules {
		for name, def := range m.Actions {
			if def == nil {
				return nil, &ProgrammerError{Op: "registry.index", Detail: fmt.Sprintf("module %q action %q is nil", m.Name, name)}
			}
			id := actionID(m.Name, name)
			if _, dup := r.byID[id]; dup {
				return nil, &ProgrammerError{Op: "registry.index", Detail: fmt.Sprintf("duplicate action identifier %q", id)}
			}
			r.byID[id] = def
			r.byDef[def] = id
			r.owner[def] = m
		}
	}

	for _, m := range modules {
		for name, def := range m.Actions {
			id := actionID(m.Name, name)
			if err := r.validateLocks(def); err != nil {
				return nil, WrapError(fmt.Sprintf("action %q", id), err)
			}
			targets, err := r.resolveTransfers(def)
			if err != nil {
				return nil, WrapError(fmt.Sprintf("action %q", id), err)
			}
			r.transfers[def] = targets
		}
	}

	r.readsStar = make(map[*ActionDef]LockSet, len(r.byDef))
	r.writesStar = make(map[*ActionDef]LockSet, len(r.byDef))
	for def := range r.byDef {
		visited := make(map[*ActionDef]struct{})
		reads, writes := r.closure(def, visited)
		r.readsStar[def] = reads
		r.writesStar[def] = writes
	}

	for def := range r.byDef {
		id := r.byDef[def]
		ownWrites := def.Writes
		if ownWrites == nil {
			ownWrites = ALLLocks
		}
		ownReads := def.Reads
		if ownReads == nil {
			ownReads = ALLLocks
		}
		ownReads = ownReads.Union(ownWrites)
		for target := range r.transfers[def] {
			if !ownReads.ContainsAll(r.readsStar[target]) || !ownWrites.ContainsAll(r.writesStar[target]) {
				return nil, &ProgrammerError{
					Op:     "registry.validate",
					Detail: fmt.Sprintf("action %q declares transfer to %q but does not declare a superset of its transitive locks", id, r.byDef[target]),
				}
			}
		}
	}

	return r, nil
}

func (r *Registry) validateLocks(def *ActionDef) error {
	for l := range def.Reads {
		if !IsValidLock(l) {
			return &ProgrammerError{Op: "registry.validateLocks", Detail: fmt.Sprintf("unknown lock %q in reads", l)}
		}
	}
	for l := range def.Writes {
		if !IsValidLock(l) {
			return &ProgrammerError{Op: "registry.validateLocks", Detail: fmt.Sprintf("unknown lock %q in writes", l)}
		}
	}
	if def.Writes == nil {
		if logger := getLogger(); logger != nil {
			logger.Warn(r.byDef[def], "action declares no writes; conservatively treating as writing ALL_LOCKS")
		}
	}
	return nil
}

func (r *Registry) resolveTransfers(def *ActionDef) (map[*ActionDef]struct{}, error) {
	out := make(map[*ActionDef]struct{}, len(def.Transfers))
	for _, t := range def.Transfers {
		switch v := t.(type) {
		case *ActionDef:
			if _, ok := r.byDef[v]; !ok {
				return nil, &ProgrammerError{Op: "registry.resolveTransfers", Detail: "transfer target is not a known action definition"}
			}
			out[v] = struct{}{}
		case string:
			target, ok := r.byID[v]
			if !ok {
				return nil, &ProgrammerError{Op: "registry.resolveTransfers", Detail: fmt.Sprintf("transfer target %q does not resolve to a known action", v)}
			}
			out[target] = struct{}{}
		default:
			return nil, &ProgrammerError{Op: "registry.resolveTransfers", Detail: "transfer target must be an *ActionDef or dotted string identifier"}
		}
	}
	return out, nil
}

// closure performs the depth-first walk described in spec.md §4.3,
// truncating cycles via the visited set.
func (r *Registry) closure(def *ActionDef, visited map[*ActionDef]struct{}) (reads, writes LockSet) {
	if _, seen := visited[def]; seen {
		return NewLockSet(), NewLockSet()
	}
	visited[def] = struct{}{}

	ownReads := def.Reads
	if ownReads == nil {
		ownReads = ALLLocks
	}
	ownWrites := def.Writes
	if ownWrites == nil {
		ownWrites = ALLLocks
	}

	reads = ownReads.Union(ownWrites)
	writes = ownWrites.Clone()

	for target := range r.transfers[def] {
		tReads, tWrites := r.closure(target, visited)
		reads = reads.Union(tReads)
		writes = writes.Union(tWrites)
	}
	return reads, writes
}

// Lookup resolves a dotted identifier or *ActionDef to its canonical
// *ActionDef, returning false if unknown.
func (r *Registry) Lookup(target any) (*ActionDef, bool) {
	switch v := target.(type) {
	case *ActionDef:
		_, ok := r.byDef[v]
		return v, ok
	case string:
		def, ok := r.byID[v]
		return def, ok
	default:
		return nil, false
	}
}

// ID returns the dotted identifier for def.
func (r *Registry) ID(def *ActionDef) (string, bool) {
	id, ok := r.byDef[def]
	return id, ok
}

// ReadsStar returns the transitive read∪write lock closure for def.
func (r *Registry) ReadsStar(def *ActionDef) LockSet { return r.readsStar[def] }

// WritesStar returns the transitive write lock closure for def.
func (r *Registry) WritesStar(def *ActionDef) LockSet { return r.writesStar[def] }

// Transfers reports whether target is a permitted transfer target of owner,
// via pointer identity, per the normalization documented in SPEC_FULL.md §9.
func (r *Registry) Transfers(owner, target *ActionDef) bool {
	_, ok := r.transfers[owner][target]
	return ok
}

// Owner returns the Module that declared def.
func (r *Registry) Owner(def *ActionDef) *Module { return r.owner[def] }

// Modules returns the modules backing this registry, in registration order.
func (r *Registry) Modules() []*Module { return r.modules }
