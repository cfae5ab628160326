package capi

import (
	"context"
	"fmt"

	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/sandbox"
	"github.com/nanovisor/sandbox/wire"
)

// getSandbox validates handle and returns the *sandbox.Sandbox it tags.
func (c *Context) getSandbox(handle Handle) (*sandbox.Sandbox, error) {
	v, err := c.Get(handle, KindSandbox)
	if err != nil {
		return nil, err
	}

	return v.(*sandbox.Sandbox), nil
}

// getError validates handle and returns the error it tags.
func (c *Context) getError(handle Handle) (error, error) {
	v, err := c.Get(handle, KindError)
	if err != nil {
		return nil, err
	}

	return v.(error), nil
}

// SandboxNew registers a new sandbox built over driver with the given
// memory size and guest image, returning its Handle or an error Handle.
func (c *Context) SandboxNew(driver hypervisor.Driver, memSize uint64, guestImage []byte) Handle {
	sb, err := sandbox.NewUninitialized(driver, sandbox.Config{
		MemSize:    memSize,
		GuestImage: guestImage,
	})
	if err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_new: %w", err))
	}

	return c.Register(KindSandbox, sb)
}

// SandboxRegisterHostFunction installs def on the sandbox identified by
// handle. Returns an empty Handle on success, an error Handle otherwise.
func (c *Context) SandboxRegisterHostFunction(handle Handle, def wire.HostFunctionDefinition) Handle {
	sb, err := c.getSandbox(handle)
	if err != nil {
		return c.RegisterError(err)
	}

	if err := sb.RegisterHostFunction(def); err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_register_host_function: %w", err))
	}

	return Handle{}
}

// SandboxEvolve runs the sandbox identified by handle to its first yield.
func (c *Context) SandboxEvolve(ctx context.Context, handle Handle) Handle {
	sb, err := c.getSandbox(handle)
	if err != nil {
		return c.RegisterError(err)
	}

	if err := sb.Evolve(ctx); err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_evolve: %w", err))
	}

	return Handle{}
}

// SandboxCallGuestFunction invokes name on the sandbox identified by
// handle and registers the resulting wire.ReturnValue (or error) as a
// fresh Handle.
func (c *Context) SandboxCallGuestFunction(ctx context.Context, handle Handle, name string, args []wire.ParameterValue, returnType wire.ReturnType) Handle {
	sb, err := c.getSandbox(handle)
	if err != nil {
		return c.RegisterError(err)
	}

	rv, err := sb.CallGuestFunction(ctx, name, args, returnType)
	if err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_call_guest_function: %w", err))
	}

	return c.Register(KindReturnValue, rv)
}

// SandboxReset restores the sandbox identified by handle to its
// post-evolve snapshot.
func (c *Context) SandboxReset(handle Handle) Handle {
	sb, err := c.getSandbox(handle)
	if err != nil {
		return c.RegisterError(err)
	}

	if err := sb.Reset(); err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_reset: %w", err))
	}

	return Handle{}
}

// SandboxFree tears down the sandbox identified by handle and releases
// its slot. The VCPU-before-VM-before-hypervisor teardown ordering lives
// inside sandbox.Sandbox.Close; capi only frees the handle after that
// succeeds.
func (c *Context) SandboxFree(handle Handle) Handle {
	sb, err := c.getSandbox(handle)
	if err != nil {
		return c.RegisterError(err)
	}

	if err := sb.Close(); err != nil {
		return c.RegisterError(fmt.Errorf("capi: sandbox_free: %w", err))
	}

	if err := c.Free(handle); err != nil {
		return c.RegisterError(err)
	}

	return Handle{}
}

// ErrorMessage returns the message carried by an error Handle, for a C
// caller that received one from any of the operations above.
func (c *Context) ErrorMessage(handle Handle) (string, error) {
	err, getErr := c.getError(handle)
	if getErr != nil {
		return "", getErr
	}

	return err.Error(), nil
}

// HandleFree releases any handle returned by this package, tolerant of
// double-free on an already-empty handle.
func (c *Context) HandleFree(handle Handle) error {
	return c.Free(handle)
}
