// Package dispatch implements the VM-exit state machine: classify each
// run_vcpu result by port number, run the host-call protocol for
// CallFunction exits, and always check the stack cookie before
// resuming, down to the three well-known ports this protocol defines.
package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nanovisor/sandbox/guestmem"
	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/registry"
	"github.com/nanovisor/sandbox/wire"
)

// Port numbers the guest's OUT instruction dispatches on: Log=99,
// CallFunction=101, Abort=102.
const (
	PortLog          = 99
	PortCallFunction = 101
	PortAbort        = 102
)

// State is the dispatcher's position in the state machine:
// Ready -> Running -> ExitPending -> (Ready | Terminated).
type State int

const (
	StateReady State = iota
	StateRunning
	StateExitPending
	StateTerminated
)

// Outcome reports what a Run call produced: either a natural
// Halt-completed guest call or a fatal termination.
type Outcome struct {
	Halted      bool
	ReturnValue wire.ReturnValue

	Terminated  bool
	TermError   *wire.GuestError
}

// Dispatcher drives one sandbox's vCPU from Ready to the next terminal
// condition (Halt, or a termination-worthy exit).
type Dispatcher struct {
	driver hypervisor.Driver
	vcpu   hypervisor.VCPUHandle
	mem    []byte
	layout *guestmem.Layout
	reg    *registry.Registry
	log    logrus.FieldLogger

	state State
}

// New constructs a Dispatcher bound to one sandbox's vCPU, shared memory,
// layout and frozen host function registry.
func New(driver hypervisor.Driver, vcpu hypervisor.VCPUHandle, mem []byte, layout *guestmem.Layout, reg *registry.Registry, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Dispatcher{driver: driver, vcpu: vcpu, mem: mem, layout: layout, reg: reg, log: log, state: StateReady}
}

// State reports the dispatcher's current position in the state machine.
func (d *Dispatcher) State() State { return d.state }

// Run drives run_vcpu exits until the guest halts (call complete) or a
// fatal condition terminates the sandbox. The halted return value is
// decoded from shared output.
func (d *Dispatcher) Run() Outcome {
	return d.run(true)
}

// RunInit drives run_vcpu exits the same way Run does but treats the
// first Halt as bring-up completion rather than a guest call returning a
// value: the synthetic initialization-complete halt carries no
// ReturnValue to decode.
func (d *Dispatcher) RunInit() Outcome {
	return d.run(false)
}

func (d *Dispatcher) run(decodeReturn bool) Outcome {
	d.state = StateRunning

	for {
		exit, err := d.driver.RunVCPU(d.vcpu)
		if err != nil {
			d.state = StateTerminated
			return Outcome{Terminated: true, TermError: &wire.GuestError{
				Code:    wire.HypervisorInternalError,
				Message: err.Error(),
			}}
		}

		d.state = StateExitPending

		switch exit.Kind {
		case hypervisor.ExitHalt:
			d.state = StateReady

			if !decodeReturn {
				return Outcome{Halted: true}
			}

			rv, err := d.readReturnValue()
			if err != nil {
				d.state = StateTerminated
				return Outcome{Terminated: true, TermError: &wire.GuestError{Code: wire.ReturnValueConversionFailure, Message: err.Error()}}
			}

			return Outcome{Halted: true, ReturnValue: rv}

		case hypervisor.ExitCancelled:
			d.state = StateTerminated
			return Outcome{Terminated: true, TermError: &wire.GuestError{Code: wire.HypervisorInternalError, Message: "cancelled"}}

		case hypervisor.ExitIoOut:
			if term := d.handleIoOut(exit.Port, exit.Data); term != nil {
				d.state = StateTerminated
				return Outcome{Terminated: true, TermError: term}
			}

			d.state = StateRunning

		case hypervisor.ExitMmioRead, hypervisor.ExitMmioWrite:
			d.state = StateTerminated
			return Outcome{Terminated: true, TermError: &wire.GuestError{
				Code:    wire.GuestMemoryFault,
				Message: fmt.Sprintf("unmapped access at %#x", exit.MMIOAddr),
			}}

		case hypervisor.ExitInternalError:
			d.state = StateTerminated
			return Outcome{Terminated: true, TermError: &wire.GuestError{
				Code:    wire.HypervisorInternalError,
				Message: fmt.Sprintf("subcode %d", exit.Subcode),
			}}

		default:
			d.log.Warnf("dispatch: ignoring unexpected exit kind %v", exit.Kind)
			d.state = StateRunning
		}
	}
}

// handleIoOut classifies an IoOut exit by port number. A non-nil return
// terminates the sandbox with that GuestError.
func (d *Dispatcher) handleIoOut(port uint16, data uint8) *wire.GuestError {
	switch port {
	case PortLog:
		d.forwardLog()
		return d.checkCookie()

	case PortCallFunction:
		return d.handleCallFunction()

	case PortAbort:
		return d.readAbortRecord(data)

	default:
		d.log.Warnf("dispatch: ignoring OUT to unhandled port %d", port)
		return d.checkCookie()
	}
}

// forwardLog reads a structured log record from shared output and
// forwards it to the host logger. Handles port 99.
func (d *Dispatcher) forwardLog() {
	var record struct {
		Level   string
		Message string
	}

	region := d.mem[d.layout.SharedOutputAddr : d.layout.SharedOutputAddr+d.layout.SharedOutputCapacity]
	if err := wire.DecodeFrame(region, &record); err != nil {
		d.log.WithError(err).Warn("dispatch: malformed guest log record")
		return
	}

	d.log.WithField("guest", true).Info(record.Message)
}

// readAbortRecord implements port 102: the guest's full 32-bit abort
// code and optional message live in a frame in shared output, since
// the OUT instruction's data byte only carries a bare trigger. If no
// frame is present, data (the OUT exit's 1-byte payload) is recorded
// as the code instead, the best a pre-runtime or malformed abort can
// offer.
func (d *Dispatcher) readAbortRecord(data uint8) *wire.GuestError {
	region := d.mem[d.layout.SharedOutputAddr : d.layout.SharedOutputAddr+d.layout.SharedOutputCapacity]

	var rec struct {
		Code    uint32
		Message string
	}
	if err := wire.DecodeFrame(region, &rec); err != nil {
		return &wire.GuestError{Code: wire.GuestAborted, AbortCode: uint32(data), Message: fmt.Sprintf("code %d", data)}
	}

	msg := fmt.Sprintf("code %d", rec.Code)
	if rec.Message != "" {
		msg = fmt.Sprintf("code %d: %s", rec.Code, rec.Message)
	}

	return &wire.GuestError{Code: wire.GuestAborted, AbortCode: rec.Code, Message: msg}
}

// handleCallFunction implements the six-step host-call protocol of
// port 101.
func (d *Dispatcher) handleCallFunction() *wire.GuestError {
	outputRegion := d.mem[d.layout.SharedOutputAddr : d.layout.SharedOutputAddr+d.layout.SharedOutputCapacity]

	// Step 1: read and decode the FunctionCall.
	payload, err := wire.FramePayload(outputRegion)
	if err != nil {
		d.writeReturnValue(wire.ReturnValue{})
		return d.checkCookie()
	}

	call, err := wire.DecodeFunctionCall(payload)
	if err != nil {
		// A malformed frame cannot be validated against any
		// definition; it is the host-side OutbError case.
		d.writeReturnValue(wire.ReturnValue{})
		return d.checkCookie()
	}

	// Step 2: validate.
	def, gerr := d.reg.Validate(call)
	if gerr != nil {
		d.writeGuestError(*gerr, call.ReturnType)
		return d.checkCookie()
	}

	// Step 3: invoke on the host thread; the handler may not call back
	// into the sandbox.
	rv, err := def.Handler(call.Parameters)
	if err != nil {
		d.writeGuestError(wire.GuestError{Code: wire.GuestErrorCode, Message: err.Error()}, call.ReturnType)
		return d.checkCookie()
	}

	// Step 4: mismatched discriminator is a host-side bug, reported only
	// once the cookie check (which always wins) has passed.
	if rv.Type != call.ReturnType {
		if term := d.checkCookie(); term != nil {
			return term
		}

		return &wire.GuestError{
			Code:    wire.ReturnValueConversionFailure,
			Message: fmt.Sprintf("handler for %s returned %s, declared %s", call.FunctionName, rv.Type, call.ReturnType),
		}
	}

	d.writeReturnValue(rv)

	// Step 5: cookie check always wins.
	return d.checkCookie()
}

// checkCookie verifies the stack cookie. Performed on every dispatcher
// turn; its failure terminates the sandbox regardless of what the
// handler returned.
func (d *Dispatcher) checkCookie() *wire.GuestError {
	if !d.layout.CheckCookie(d.mem) {
		return &wire.GuestError{Code: wire.StackOverflow, Message: "stack cookie mismatch"}
	}

	return nil
}

func (d *Dispatcher) writeReturnValue(rv wire.ReturnValue) {
	region := d.mem[d.layout.SharedInputAddr : d.layout.SharedInputAddr+d.layout.SharedInputCapacity]
	if err := wire.WriteFrame(region, rv); err != nil {
		d.log.WithError(err).Error("dispatch: failed to write return value")
	}
}

func (d *Dispatcher) writeGuestError(gerr wire.GuestError, declared wire.ReturnType) {
	// The error code rides inside a ReturnValue the guest's own error
	// path unpacks, tagged with the declared return type so the guest's
	// decode step still matches what it expects.
	d.writeReturnValue(wire.ReturnValue{Type: declared, StringValue: gerr.Error()})
}

// readReturnValue decodes the ReturnValue a completed guest call leaves
// in shared output. The outgoing FunctionCall for that same call lives
// in shared input, the opposite direction, so the two never collide.
func (d *Dispatcher) readReturnValue() (wire.ReturnValue, error) {
	region := d.mem[d.layout.SharedOutputAddr : d.layout.SharedOutputAddr+d.layout.SharedOutputCapacity]

	payload, err := wire.FramePayload(region)
	if err != nil {
		return wire.ReturnValue{}, err
	}

	return wire.DecodeReturnValue(payload)
}
