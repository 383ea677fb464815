package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/bobuhiro11/gokvm/flag"
)

func TestParsesize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit \"\"", m: "1", unit: "", amt: 1, err: nil},
		{name: "8192m", m: "8192m", amt: 8192 << 20, err: nil},
		{name: "bogusgarbage", m: "123411;3413234134", amt: -1, err: strconv.ErrSyntax},
		{name: "bogusgarbagemsuffix", m: "123411;3413234134m", amt: -1, err: strconv.ErrSyntax},
		{name: "bogustoobig", m: "0xfffffffffffffffffffffff", amt: -1, err: strconv.ErrRange},
	} {
		amt, err := flag.ParseSize(tt.m, tt.unit)
		if !errors.Is(err, tt.err) || amt != tt.amt {
			t.Errorf("%s:parseMemSize(%s): got (%d, %v), want (%d, %v)", tt.name, tt.m, amt, err, tt.amt, tt.err)
		}
	}
}

func TestCmdlineBootParsing(t *testing.T) {
	t.Parallel()

	args := []string{
		"gokvm",
		"boot",
		"-D", "/dev/kvm",
		"-k", "kernel_path",
		"-i", "initrd_path",
		"-m", "1G",
		"-c", "2",
		"-t", "tap0",
		"-d", "/dev/null",
		"-T", "1",
	}

	conf, probeArgs, err := flag.ParseArgs(args)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if probeArgs != nil {
		t.Fatalf("ParseArgs returned probe args for a boot command line")
	}

	want := flag.Config{
		Dev:        "/dev/kvm",
		Kernel:     "kernel_path",
		Initrd:     "initrd_path",
		Params:     conf.Params,
		TapIfName:  "tap0",
		Disk:       "/dev/null",
		NCPUs:      2,
		MemSize:    1 << 30,
		TraceCount: 1,
	}

	if *conf != want {
		t.Errorf("ParseArgs(%v) = %+v, want %+v", args, *conf, want)
	}
}

func TestCmdlineProbeParsing(t *testing.T) {
	t.Parallel()

	args := []string{"gokvm", "probe"}

	conf, probeArgs, err := flag.ParseArgs(args)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if conf != nil {
		t.Fatalf("ParseArgs returned boot config for a probe command line")
	}

	if probeArgs == nil {
		t.Fatalf("ParseArgs returned nil probe args for a probe command line")
	}
}
