package flag

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/internal/bootimage"
	"github.com/nanovisor/sandbox/sandbox"
	"github.com/nanovisor/sandbox/wire"
)

// Run boots a sandbox over driver, loads the configured guest image,
// evolves it, and calls the configured guest function.
func (r *RunCMD) Run(driver hypervisor.Driver, log logrus.FieldLogger) error {
	memSize, err := ParseSize(r.MemSize, "m")
	if err != nil {
		return err
	}

	f, err := os.Open(r.GuestImage)
	if err != nil {
		return fmt.Errorf("flag: open guest image: %w", err)
	}
	defer f.Close()

	image, err := bootimage.Build(f, 0, uint64(memSize))
	if err != nil {
		return fmt.Errorf("flag: build guest image: %w", err)
	}

	sb, err := sandbox.NewUninitialized(driver, sandbox.Config{
		MemSize:    uint64(memSize),
		GuestImage: image,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("flag: new sandbox: %w", err)
	}
	defer func() {
		if cerr := sb.Close(); cerr != nil {
			log.WithError(cerr).Warn("sandbox close failed")
		}
	}()

	if err := sb.Evolve(context.Background()); err != nil {
		return fmt.Errorf("flag: evolve: %w", err)
	}

	callCtx := context.Background()
	if r.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, time.Duration(r.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	rv, err := sb.CallGuestFunction(callCtx, r.FunctionName, nil, wire.ReturnVoid)
	if err != nil {
		return fmt.Errorf("flag: call guest function %q: %w", r.FunctionName, err)
	}

	log.WithField("return_type", rv.Type).Info("guest function returned")

	return nil
}

// Run reports whether driver's hypervisor is reachable and, for the real
// KVM backend, which of the capabilities this driver depends on are
// advertised.
func (p *ProbeCMD) Run(driver hypervisor.Driver, log logrus.FieldLogger) error {
	if !driver.IsPresent() {
		return fmt.Errorf("flag: hypervisor not present")
	}

	log.Info("hypervisor is present")

	kvmDriver, ok := driver.(*hypervisor.KVMDriver)
	if !ok {
		return nil
	}

	if err := kvmDriver.Open(); err != nil {
		return fmt.Errorf("flag: open: %w", err)
	}
	defer kvmDriver.Close()

	caps, err := kvmDriver.Capabilities()
	if err != nil {
		return fmt.Errorf("flag: capabilities: %w", err)
	}

	for c, present := range caps {
		log.WithField("capability", c).Info(present)
	}

	return nil
}
