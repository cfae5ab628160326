// Command sandboxctl boots a microvm sandbox over the host's hypervisor
// and drives one guest function call per invocation.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nanovisor/sandbox/flag"
	"github.com/nanovisor/sandbox/hypervisor"
)

func main() {
	log := logrus.StandardLogger()

	_, kctx, err := flag.Parse()
	if err != nil {
		log.WithError(err).Fatal("parse arguments")
	}

	driver := hypervisor.NewKVMDriver()

	if err := kctx.Run(driver, log); err != nil {
		log.WithError(err).Error("sandboxctl failed")
		os.Exit(1)
	}
}
