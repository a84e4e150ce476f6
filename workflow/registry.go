package workflow

import (
	"fmt"
	"sync"
)

// Guard is a legality predicate evaluated before a transition is applied.
// Returning a domain error vetoes the transition.
type Guard func(st *InstanceState) error

// Definition is one workflow kind's transition table: states, terminal
// set, initial state, allowed (from, event) -> to transitions, and guard
// predicates per cause event.
type Definition struct {
	kind     Kind
	initial  string
	terminal map[string]bool
	// success marks terminal states that finalize as Completed rather
	// than Failed.
	success map[string]bool
	table   map[string]map[string]string // from -> event -> to
	guards  map[string]Guard             // event -> guard
}

// NewDefinition creates an empty definition with the given initial state.
func NewDefinition(kind Kind, initial string) *Definition {
	return &Definition{
		kind:     kind,
		initial:  initial,
		terminal: make(map[string]bool),
		success:  make(map[string]bool),
		table:    make(map[string]map[string]string),
		guards:   make(map[string]Guard),
	}
}

// Allow adds a legal transition: in state from, cause event moves the
// instance to state to.
func (d *Definition) Allow(from, event, to string) *Definition {
	if d.table[from] == nil {
		d.table[from] = make(map[string]string)
	}
	d.table[from][event] = to
	return d
}

// AllowFromAny adds the transition from every already-declared non-terminal
// from-state. Used for explicit aborts reachable anywhere.
func (d *Definition) AllowFromAny(event, to string, froms ...string) *Definition {
	for _, from := range froms {
		d.Allow(from, event, to)
	}
	return d
}

// MarkTerminal declares terminal states. Terminal instances accept no
// further transitions.
func (d *Definition) MarkTerminal(states ...string) *Definition {
	for _, s := range states {
		d.terminal[s] = true
	}
	return d
}

// MarkSuccess declares terminal states that finalize as Completed.
func (d *Definition) MarkSuccess(states ...string) *Definition {
	for _, s := range states {
		d.success[s] = true
	}
	return d
}

// Guard attaches a legality predicate to a cause event.
func (d *Definition) Guard(event string, g Guard) *Definition {
	d.guards[event] = g
	return d
}

// Initial returns the default initial state.
func (d *Definition) Initial() string { return d.initial }

// IsTerminal reports whether a state is terminal.
func (d *Definition) IsTerminal(state string) bool { return d.terminal[state] }

// IsSuccess reports whether a terminal state finalizes as Completed.
func (d *Definition) IsSuccess(state string) bool { return d.success[state] }

// Target resolves the destination of (from, event), or ErrIllegalTransition.
func (d *Definition) Target(from, event string) (string, error) {
	if d.terminal[from] {
		return "", fmt.Errorf("%w: %s state %q is terminal", ErrIllegalTransition, d.kind, from)
	}
	if to, ok := d.table[from][event]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s has no transition for %q in state %q", ErrIllegalTransition, d.kind, event, from)
}

// Legal reports whether (from, event) appears in the table.
func (d *Definition) Legal(from, event string) bool {
	_, ok := d.table[from][event]
	return ok && !d.terminal[from]
}

// guard returns the guard for a cause event, if any.
func (d *Definition) guard(event string) Guard { return d.guards[event] }

// Registry holds the transition table and machine for every workflow
// kind. All checks are pure functions of (kind, state, event); the
// scheduler applies resulting transitions under the per-instance write
// lock for linearizable single-writer semantics.
type Registry struct {
	mu       sync.RWMutex
	defs     map[Kind]*Definition
	machines map[Kind]Machine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[Kind]*Definition),
		machines: make(map[Kind]Machine),
	}
}

// Register installs a kind's definition and machine. Registering the same
// kind twice replaces the earlier entry; deployed definitions are
// immutable at runtime.
func (r *Registry) Register(def *Definition, m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.kind] = def
	r.machines[def.kind] = m
}

// Definition returns a kind's transition table.
func (r *Registry) Definition(kind Kind) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return def, nil
}

// Machine returns a kind's domain machine.
func (r *Registry) Machine(kind Kind) (Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return m, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	return kinds
}
