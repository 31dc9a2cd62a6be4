package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/cli/shared"
	"github.com/kilnforge/kiln/internal/runctx"
	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/pipeline"
)

var buildModes = map[string]model.BuildMode{
	"release":      model.BuildModeRelease,
	"tag":          model.BuildModeTag,
	"branch":       model.BuildModeBranch,
	"working-copy": model.BuildModeWorkingCopy,
}

func newBuildCmd(ctx *appContext) *cobra.Command {
	var mode string
	var workers int
	var force bool
	var keepChroot bool

	cmd := &cobra.Command{
		Use:   "build <result> [result...]",
		Short: "Build one or more results and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildMode, ok := buildModes[mode]
			if !ok {
				return newExitCodeError(shared.ExitFailure, fmt.Errorf("unknown build mode %q", mode))
			}
			return runPipeline(ctx, args, pipeline.Options{
				Mode:         buildMode,
				Workers:      workers,
				ForceRebuild: force,
				KeepChroot:   keepChroot,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "branch", "build mode: release|tag|branch|working-copy")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "maximum concurrent result builds")
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even if the store already has the artifact")
	cmd.Flags().BoolVar(&keepChroot, "keep-chroot", false, "leave the staging root on disk after the build, whether it succeeds or fails")
	return cmd
}

func newPlaygroundCmd(ctx *appContext) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "playground <result>",
		Short: "Prepare a single result's chroot for inspection and stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildMode, ok := buildModes[mode]
			if !ok {
				return newExitCodeError(shared.ExitFailure, fmt.Errorf("unknown build mode %q", mode))
			}
			return runPipeline(ctx, args, pipeline.Options{
				Mode:       buildMode,
				Workers:    1,
				Playground: true,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "branch", "build mode: release|tag|branch|working-copy")
	return cmd
}

// runPipeline loads the project, wires a pipeline.Driver around it and
// a runctx.Context for interrupt handling, drives the requested results
// through Driver.Run, then reports per-result outcomes and maps any
// failure to the right exit code.
func runPipeline(ctx *appContext, results []string, opts pipeline.Options) error {
	p, logger, workDir, err := loadProject(ctx)
	if err != nil {
		return err
	}

	driver := pipeline.NewDriver(p, workDir)
	rc := runctx.New(logger, driver.Cache)
	defer rc.Close()

	runCtx, stop := runctx.WithInterrupt(context.Background(), logger, shared.ExitInterrupted)
	defer stop()

	report, err := driver.Run(runCtx, results, opts)
	if runCtx.Err() != nil {
		if report != nil {
			printReport(report)
		}
		return newExitCodeError(shared.ExitInterrupted, fmt.Errorf("interrupted: %w", runCtx.Err()))
	}
	if err != nil {
		return newExitCodeError(shared.ExitFailure, err)
	}

	printReport(report)

	if report.Failed() {
		return newExitCodeError(shared.ExitFailure, fmt.Errorf("one or more results failed"))
	}
	return nil
}

func printReport(report *pipeline.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "RESULT\tSTATE\tBUILD ID\tERROR")
	for _, name := range report.Order {
		o := report.Outcomes[name]
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Result, o.State, shared.ShortID(o.BuildID), errMsg)
	}
}
