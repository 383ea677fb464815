package flag

import (
	"os"

	"github.com/bobuhiro11/gokvm/probe"
	"github.com/bobuhiro11/gokvm/vmm"
)

// Parse reads os.Args, dispatches to the "boot" or "probe" subcommand,
// and runs it to completion.
func Parse() error {
	conf, probeArgs, err := ParseArgs(os.Args)
	if err != nil {
		return err
	}

	if probeArgs != nil {
		return probe.CPUID()
	}

	return runBoot(conf)
}

func runBoot(c *Config) error {
	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}
