package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/cvmctl/cmd/flags"
	"github.com/ruteri/cvmctl/httpserver"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	flagProvider = &cli.StringFlag{
		Name:     "provider",
		Required: true,
		Usage:    "aws, gcp, azure or local",
	}
	flagImage = &cli.StringFlag{
		Name:     "image",
		Required: true,
		Usage:    "image reference (AMI id, GCP image, Azure image URN or local disk path)",
	}
	flagMachineType = &cli.StringFlag{
		Name:     "machine-type",
		Required: true,
		Usage:    "provider machine type, or <vcpus>x<memory MiB> for local guests",
	}
	flagRegion = &cli.StringFlag{
		Name:  "region",
		Usage: "region, zone or location (default: provider setting)",
	}
	flagNoCVM = &cli.BoolFlag{
		Name:  "no-cvm",
		Usage: "create an ordinary VM without confidential computing",
	}
	flagCVMType = &cli.StringFlag{
		Name:  "cvm-type",
		Value: string(interfaces.CVMTypeSEVSNP),
		Usage: "sev-snp or tdx",
	}
	flagRequireCVM = &cli.BoolFlag{
		Name:  "require-cvm",
		Usage: "fail local creates on hosts without confidential computing support",
	}
	flagDetach = &cli.BoolFlag{
		Name:  "detach",
		Usage: "return once the provider accepted the request; run 'reconcile' to continue",
	}
	flagJSON = &cli.BoolFlag{
		Name:  "json",
		Usage: "print JSON",
	}
	flagAll = &cli.BoolFlag{
		Name:  "all",
		Usage: "include archived instances",
	}
	flagReconcileInterval = &cli.DurationFlag{
		Name:  "reconcile-interval",
		Value: 30 * time.Second,
		Usage: "how often non-stable instances are resumed",
	}
)

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "create",
			Usage:  "provision an instance and wait until it is attested and running",
			Flags:  []cli.Flag{flagProvider, flagImage, flagMachineType, flagRegion, flagNoCVM, flagCVMType, flagRequireCVM, flagDetach},
			Action: createAction,
		},
		{
			Name:   "list",
			Usage:  "list instances",
			Flags:  []cli.Flag{flagAll, flagJSON},
			Action: listAction,
		},
		{
			Name:      "status",
			Usage:     "show an instance with its last error and latest evidence",
			ArgsUsage: "<id>",
			Flags:     []cli.Flag{flagJSON},
			Action:    statusAction,
		},
		{
			Name:      "verify",
			Usage:     "re-attest a running instance",
			ArgsUsage: "<id>",
			Flags:     []cli.Flag{flagJSON},
			Action:    verifyAction,
		},
		{
			Name:      "destroy",
			Usage:     "terminate an instance; succeeds without change if already terminated",
			ArgsUsage: "<id>",
			Flags:     []cli.Flag{flagJSON},
			Action:    destroyAction,
		},
		{
			Name:      "retry",
			Usage:     "resume a failed instance",
			ArgsUsage: "<id>",
			Flags:     []cli.Flag{flagJSON},
			Action:    retryAction,
		},
		{
			Name:   "reconcile",
			Usage:  "resume every instance that is not running, failed or terminated",
			Flags:  []cli.Flag{flagJSON},
			Action: reconcileAction,
		},
		{
			Name:   "serve",
			Usage:  "run the status API and the reconcile loop",
			Flags:  append([]cli.Flag{flagReconcileInterval}, flags.ServerFlags...),
			Action: serveAction,
		},
		policyCommand(),
	}
}

func instanceArg(cCtx *cli.Context) (interfaces.InstanceID, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one instance id, got %d arguments", cCtx.NArg())
	}
	return interfaces.ParseInstanceID(cCtx.Args().First())
}

func printInstance(cCtx *cli.Context, inst *interfaces.Instance) error {
	if cCtx.Bool(flagJSON.Name) {
		return writeJSON(cCtx.App.Writer, inst)
	}
	fmt.Fprintf(cCtx.App.Writer, "%s %s attested=%t\n", inst.ID, stateFmt(inst.State), inst.Attested)
	return nil
}

func createAction(cCtx *cli.Context) error {
	if err := localOnly(cCtx); err != nil {
		return err
	}
	e, err := newEnv(cCtx)
	if err != nil {
		return err
	}

	spec := interfaces.InstanceSpec{
		MachineType: cCtx.String(flagMachineType.Name),
		Image:       cCtx.String(flagImage.Name),
		Region:      cCtx.String(flagRegion.Name),
		CVM:         !cCtx.Bool(flagNoCVM.Name),
		CVMType:     interfaces.CVMType(cCtx.String(flagCVMType.Name)),
		RequireCVM:  cCtx.Bool(flagRequireCVM.Name),
	}
	inst, err := e.machine.Create(cCtx.Context, interfaces.ProviderKind(cCtx.String(flagProvider.Name)), spec)
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, inst.ID)

	if cCtx.Bool(flagDetach.Name) {
		_, err := e.machine.Advance(cCtx.Context, inst.ID)
		return err
	}

	id := inst.ID
	inst, err = e.machine.Drive(cCtx.Context, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.log.Warn("Interrupted, run 'cvmctl reconcile' to resume", slog.String("instance", id.String()))
		}
		return err
	}
	e.log.Info("Instance running",
		slog.String("instance", inst.ID.String()),
		slog.Bool("attested", inst.Attested))
	return nil
}

func listAction(cCtx *cli.Context) error {
	svc, err := service(cCtx)
	if err != nil {
		return err
	}
	insts, err := svc.List(cCtx.Context, cCtx.Bool(flagAll.Name))
	if err != nil {
		return err
	}
	if cCtx.Bool(flagJSON.Name) {
		if insts == nil {
			insts = []*interfaces.Instance{}
		}
		return writeJSON(cCtx.App.Writer, insts)
	}
	writeTable(cCtx.App.Writer, insts, time.Now())
	return nil
}

func statusAction(cCtx *cli.Context) error {
	id, err := instanceArg(cCtx)
	if err != nil {
		return err
	}
	svc, err := service(cCtx)
	if err != nil {
		return err
	}
	inst, err := svc.Get(cCtx.Context, id)
	if err != nil {
		return err
	}
	recs, err := svc.Evidence(cCtx.Context, id)
	if err != nil {
		return err
	}

	view := newStatusView(inst, recs)
	if cCtx.Bool(flagJSON.Name) {
		return writeJSON(cCtx.App.Writer, view)
	}
	writeStatus(cCtx.App.Writer, view)
	return nil
}

func verifyAction(cCtx *cli.Context) error {
	return runOnInstance(cCtx, func(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
		svc, err := service(cCtx)
		if err != nil {
			return nil, err
		}
		return svc.Verify(ctx, id)
	})
}

func destroyAction(cCtx *cli.Context) error {
	return runOnInstance(cCtx, func(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
		svc, err := service(cCtx)
		if err != nil {
			return nil, err
		}
		return svc.Destroy(ctx, id)
	})
}

func retryAction(cCtx *cli.Context) error {
	if err := localOnly(cCtx); err != nil {
		return err
	}
	return runOnInstance(cCtx, func(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
		e, err := newEnv(cCtx)
		if err != nil {
			return nil, err
		}
		return e.machine.Retry(ctx, id)
	})
}

func runOnInstance(cCtx *cli.Context, fn func(context.Context, interfaces.InstanceID) (*interfaces.Instance, error)) error {
	id, err := instanceArg(cCtx)
	if err != nil {
		return err
	}
	inst, err := fn(cCtx.Context, id)
	if err != nil {
		return err
	}
	return printInstance(cCtx, inst)
}

func reconcileAction(cCtx *cli.Context) error {
	if err := localOnly(cCtx); err != nil {
		return err
	}
	e, err := newEnv(cCtx)
	if err != nil {
		return err
	}

	driveErr := e.machine.DriveAll(cCtx.Context)
	insts, err := e.machine.List(cCtx.Context, false)
	if err != nil {
		return errors.Join(driveErr, err)
	}
	if cCtx.Bool(flagJSON.Name) {
		if err := writeJSON(cCtx.App.Writer, insts); err != nil {
			return err
		}
	} else {
		writeTable(cCtx.App.Writer, insts, time.Now())
	}
	return driveErr
}

func serveAction(cCtx *cli.Context) error {
	if err := localOnly(cCtx); err != nil {
		return err
	}
	e, err := newEnv(cCtx)
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(e.machine, e.log)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, e.log), handler, e.metrics)
	if err != nil {
		e.log.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	ctx := cCtx.Context
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconcileLoop(ctx, e, cCtx.Duration(flagReconcileInterval.Name))
	}()

	e.log.Info("Server is running, press Ctrl+C to stop")
	<-ctx.Done()
	e.log.Info("Shutdown signal received")

	srv.Shutdown()
	wg.Wait()
	e.log.Info("Server shutdown complete")
	return nil
}

// reconcileLoop resumes non-stable instances until ctx is cancelled.
func reconcileLoop(ctx context.Context, e *env, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.machine.DriveAll(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("Reconcile finished with failures", "err", err)
		}
		if _, err := e.machine.List(ctx, false); err != nil && ctx.Err() == nil {
			e.log.Warn("Failed to refresh inventory", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
