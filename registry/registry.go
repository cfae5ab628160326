// Package registry implements the host function table: a name-keyed map
// of HostFunctionDefinition, frozen once the sandbox leaves
// Uninitialized (registration is permitted only before that).
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nanovisor/sandbox/wire"
)

// ErrDuplicateHostFunction is returned by Register when name is already
// present.
var ErrDuplicateHostFunction = errors.New("registry: duplicate host function")

// ErrFrozen is returned by Register once the registry has been frozen;
// sandbox.Evolve freezes the registry it owns the moment the sandbox
// leaves Uninitialized.
var ErrFrozen = errors.New("registry: frozen, no further registration permitted")

// Registry is the mapping name -> HostFunctionDefinition. Safe for
// concurrent use: Register is exclusive under Uninitialized (single
// goroutine in practice), Validate/Lookup are read-only and may run from
// the dispatcher's hot path.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]wire.HostFunctionDefinition
	frozen atomic.Bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{defs: map[string]wire.HostFunctionDefinition{}}
}

// Register adds def under def.Name. Fails with ErrDuplicateHostFunction if
// the name is already registered, or ErrFrozen if Freeze has been called.
func (r *Registry) Register(def wire.HostFunctionDefinition) error {
	if r.frozen.Load() {
		return ErrFrozen
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHostFunction, def.Name)
	}

	r.defs[def.Name] = def

	return nil
}

// Freeze prevents any further registration. Called once by sandbox.Evolve.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (wire.HostFunctionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]

	return def, ok
}

// Validate checks a call against its registered definition: a definition
// must exist for call.FunctionName, its parameter count must match, and
// each parameter's discriminator must equal the declared type at that
// position. Failure is returned as a typed wire.GuestError, never as a
// bare Go error, so the dispatcher can surface it to the guest as an
// ordinary return value.
func (r *Registry) Validate(call wire.FunctionCall) (wire.HostFunctionDefinition, *wire.GuestError) {
	def, ok := r.Lookup(call.FunctionName)
	if !ok {
		return wire.HostFunctionDefinition{}, &wire.GuestError{
			Code:    wire.GuestFunctionNotFound,
			Message: fmt.Sprintf("no host function registered for %q", call.FunctionName),
		}
	}

	if len(call.Parameters) != len(def.ParameterTypes) {
		return wire.HostFunctionDefinition{}, &wire.GuestError{
			Code: wire.GuestFunctionIncorrectNumberOfParameters,
			Message: fmt.Sprintf("%s expects %d parameters, got %d",
				call.FunctionName, len(def.ParameterTypes), len(call.Parameters)),
		}
	}

	for i, p := range call.Parameters {
		if p.Type != def.ParameterTypes[i] {
			return wire.HostFunctionDefinition{}, &wire.GuestError{
				Code: wire.GuestFunctionParameterTypeMismatch,
				Message: fmt.Sprintf("%s parameter %d: expected %s, got %s",
					call.FunctionName, i, def.ParameterTypes[i], p.Type),
			}
		}
	}

	return def, nil
}
