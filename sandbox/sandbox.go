// Package sandbox composes hypervisor, guestmem, wire, registry and
// dispatch into a single lifecycle: Uninitialized, created by
// NewUninitialized; Initialized, reached once via Evolve; then
// Ready/InCall alternation driven by CallGuestFunction; terminal
// Terminated released by Close.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/nanovisor/sandbox/dispatch"
	"github.com/nanovisor/sandbox/guestmem"
	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/registry"
	"github.com/nanovisor/sandbox/wire"
)

// State is the sandbox's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateReady
	StateInCall
	StateTerminated
	// StatePoisoned is reached when a guest call fails fatally; only
	// Reset (an explicit state-reset restore) clears it.
	StatePoisoned
)

var (
	// ErrAlreadyInitialized is returned by Evolve on a non-Uninitialized
	// sandbox.
	ErrAlreadyInitialized = errors.New("sandbox: already initialized")

	// ErrNotInitialized is returned by CallGuestFunction before Evolve
	// has run.
	ErrNotInitialized = errors.New("sandbox: not initialized")

	// ErrCallAlreadyInProgress is returned by CallGuestFunction when
	// another call is already in flight; only one call may execute at a
	// time, enforced with a single-flight token.
	ErrCallAlreadyInProgress = errors.New("sandbox: guest call already in progress")

	// ErrSandboxPoisoned is returned by CallGuestFunction once a prior
	// call has fatally failed and no reset has run since.
	ErrSandboxPoisoned = errors.New("sandbox: poisoned, reset required")

	// ErrReturnTypeMismatch is returned when the discriminator on the
	// value the guest leaves in shared output doesn't match the return
	// type the caller requested.
	ErrReturnTypeMismatch = errors.New("sandbox: return value discriminator mismatch")
)

// Config bundles the knobs NewUninitialized needs: how much guest memory
// to back the sandbox with, and the guest image bytes the loader will
// place into it.
type Config struct {
	MemSize    uint64
	GuestImage []byte
	Log        logrus.FieldLogger
}

// Sandbox is a single guest execution environment: one VM, one vCPU,
// one mapped memory region, and the registry of host functions the
// guest may call into.
type Sandbox struct {
	id  uuid.UUID
	log logrus.FieldLogger

	driver hypervisor.Driver
	vm     hypervisor.VMHandle
	vcpu   hypervisor.VCPUHandle
	region hypervisor.RegionHandle

	mem    []byte
	layout *guestmem.Layout
	reg    *registry.Registry

	state atomic.Int32

	// executingGuestCall is a single atomic flag guarding CallGuestFunction
	// with a compare-and-swap, never a blocking lock.
	executingGuestCall atomic.Bool

	// needsStateReset tracks whether the in-flight call should trigger a
	// reset: set at the start of every guest call, consulted at the end.
	needsStateReset atomic.Bool

	snapshot []byte
}

// NewUninitialized allocates host memory, opens the hypervisor, creates
// the VM, maps memory, loads the guest image, and stamps the stack
// cookie — new_uninitialized.
func NewUninitialized(driver hypervisor.Driver, cfg Config) (*Sandbox, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if !driver.IsPresent() {
		return nil, hypervisor.ErrUnavailable
	}

	if err := driver.Open(); err != nil {
		return nil, err
	}

	vm, err := driver.CreateVM()
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("sandbox: create vm: %w", err)
	}

	layout, err := guestmem.NewLayout(cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	mem := make([]byte, layout.MemSize)
	copy(mem, cfg.GuestImage)

	if err := layout.StampCookie(mem); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	region, err := driver.MapMemory(vm, 0, mem)
	if err != nil {
		return nil, fmt.Errorf("sandbox: map memory: %w", err)
	}

	id := uuid.New()

	sb := &Sandbox{
		id:     id,
		log:    log.WithField("sandbox_id", id.String()),
		driver: driver,
		vm:     vm,
		region: region,
		mem:    mem,
		layout: layout,
		reg:    registry.New(),
	}

	sb.state.Store(int32(StateUninitialized))

	return sb, nil
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() uuid.UUID { return s.id }

// State reports the sandbox's current lifecycle state.
func (s *Sandbox) State() State { return State(s.state.Load()) }

// RegisterHostFunction is permitted only while the sandbox is still
// Uninitialized; the registry is frozen by Evolve.
func (s *Sandbox) RegisterHostFunction(def wire.HostFunctionDefinition) error {
	if s.State() != StateUninitialized {
		return fmt.Errorf("sandbox: %w", registry.ErrFrozen)
	}

	return s.reg.Register(def)
}

// Evolve creates the VCPU, sets long-mode registers, and runs it to the
// guest's first yield. Any exit other than the synthetic
// initialization-complete halt is an initialization error.
func (s *Sandbox) Evolve(ctx context.Context) error {
	if s.State() != StateUninitialized {
		return ErrAlreadyInitialized
	}

	s.reg.Freeze()

	vcpu, err := s.driver.CreateVCPU(s.vm)
	if err != nil {
		return fmt.Errorf("sandbox: create vcpu: %w", err)
	}

	sregs := hypervisor.LongModeSregs(s.layout.PageTableBase)
	if err := s.driver.SetSregs(vcpu, sregs); err != nil {
		return fmt.Errorf("sandbox: set sregs: %w", err)
	}

	regs := hypervisor.EntryRegs(entrypointFromImage(s.mem), s.layout.StackBase)
	if err := s.driver.SetRegisters(vcpu, regs); err != nil {
		return fmt.Errorf("sandbox: set regs: %w", err)
	}

	s.vcpu = vcpu

	d := dispatch.New(s.driver, vcpu, s.mem, s.layout, s.reg, s.log)
	outcome := d.RunInit()

	if outcome.Terminated {
		s.state.Store(int32(StateTerminated))
		return fmt.Errorf("sandbox: evolve: %s", outcome.TermError.Error())
	}

	// Snapshot the RW portion of guest memory right after bring-up, the
	// baseline every later state-reset restores.
	s.snapshot = append([]byte(nil), s.mem...)

	s.state.Store(int32(StateReady))

	return nil
}

// entrypointFromImage returns the guest entry address. A flat ELF image
// is expected to have been relocated by internal/bootimage before
// NewUninitialized copies it in; the entrypoint itself travels alongside
// the image as its first 8 bytes little-endian, the same "header in front
// of the payload" convention guestmem.PEB uses for its own pointers.
func entrypointFromImage(mem []byte) uint64 {
	var entry uint64
	for i := 0; i < 8; i++ {
		entry |= uint64(mem[i]) << (8 * i)
	}

	return entry
}

// CallGuestFunction acquires the single-flight token, encodes the call
// into shared input, runs the dispatcher until the guest halts, verifies
// the return discriminator, releases the token, and applies a state
// reset if requested.
func (s *Sandbox) CallGuestFunction(ctx context.Context, name string, args []wire.ParameterValue, returnType wire.ReturnType, opts ...CallOption) (wire.ReturnValue, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch s.State() {
	case StatePoisoned:
		return wire.ReturnValue{}, ErrSandboxPoisoned
	case StateReady:
	default:
		return wire.ReturnValue{}, ErrNotInitialized
	}

	if !s.executingGuestCall.CompareAndSwap(false, true) {
		return wire.ReturnValue{}, ErrCallAlreadyInProgress
	}
	defer s.executingGuestCall.Store(false)

	s.needsStateReset.Store(o.reset)
	s.state.Store(int32(StateInCall))

	call := wire.FunctionCall{
		FunctionName: name,
		Parameters:   args,
		Kind:         wire.CallGuest,
		ReturnType:   returnType,
	}

	inputRegion := s.mem[s.layout.SharedInputAddr : s.layout.SharedInputAddr+s.layout.SharedInputCapacity]
	if err := wire.WriteFrame(inputRegion, call); err != nil {
		s.state.Store(int32(StateReady))
		return wire.ReturnValue{}, fmt.Errorf("sandbox: encode call: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		timer := time.AfterFunc(time.Until(deadline), func() {
			_ = s.driver.Cancel(s.vcpu)
		})
		defer timer.Stop()
	}

	d := dispatch.New(s.driver, s.vcpu, s.mem, s.layout, s.reg, s.log)
	outcome := d.Run()

	if outcome.Terminated {
		s.state.Store(int32(StatePoisoned))
		return wire.ReturnValue{}, *outcome.TermError
	}

	if outcome.ReturnValue.Type != returnType {
		s.state.Store(int32(StatePoisoned))
		return wire.ReturnValue{}, fmt.Errorf("sandbox: %w: got %s, want %s", ErrReturnTypeMismatch, outcome.ReturnValue.Type, returnType)
	}

	if s.needsStateReset.Load() {
		if err := s.restoreSnapshot(); err != nil {
			s.state.Store(int32(StatePoisoned))
			return wire.ReturnValue{}, fmt.Errorf("sandbox: state reset: %w", err)
		}

		s.needsStateReset.Store(false)
	}

	s.state.Store(int32(StateReady))

	return outcome.ReturnValue, nil
}

// CallOption configures a single CallGuestFunction invocation.
type CallOption func(*callOptions)

type callOptions struct {
	reset bool
}

// WithStateReset opts a call into a snapshot restore on success.
func WithStateReset() CallOption {
	return func(o *callOptions) { o.reset = true }
}

// Reset restores the post-Evolve snapshot unconditionally, clearing
// StatePoisoned. Used after a failed call to make the sandbox usable
// again.
func (s *Sandbox) Reset() error {
	if err := s.restoreSnapshot(); err != nil {
		return err
	}

	s.state.Store(int32(StateReady))

	return nil
}

func (s *Sandbox) restoreSnapshot() error {
	if len(s.snapshot) != len(s.mem) {
		return errors.New("sandbox: no snapshot available")
	}

	copy(s.mem, s.snapshot)

	return nil
}

// Close tears down the sandbox in reverse creation order: VCPU, memory
// mapping, VM, then the hypervisor connection itself. Errors from each
// step are aggregated rather than stopping teardown partway, using
// go.uber.org/multierr.
func (s *Sandbox) Close() error {
	var err error

	if s.State() != StateUninitialized {
		err = multierr.Append(err, s.driver.DestroyVCPU(s.vcpu))
	}

	err = multierr.Append(err, s.driver.UnmapMemory(s.region))
	err = multierr.Append(err, s.driver.DestroyVM(s.vm))
	err = multierr.Append(err, s.driver.Close())

	s.state.Store(int32(StateTerminated))

	return err
}
