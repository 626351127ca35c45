package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/cvmctl/cmd/flags"
	"github.com/ruteri/cvmctl/common"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:     "cvmctl",
		Usage:    "provision, attest and tear down Confidential VMs on AWS, GCP, Azure and local QEMU",
		Version:  common.Version,
		Flags:    flags.CommonFlags,
		Commands: commands(),
		// Errors are reported by main with their taxonomy exit code.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errFmt("error:"), err)
		os.Exit(interfaces.ExitCodeOf(err))
	}
}
