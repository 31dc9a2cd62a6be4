package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/cli/shared"
	"github.com/kilnforge/kiln/internal/config"
	"github.com/kilnforge/kiln/pkg/model"
)

// appContext is the root command's shared flag state: the project root,
// the work directory and the verbosity switch.
type appContext struct {
	projectRoot string
	workDir     string
	verbose     bool
}

// NewRootCmd assembles kiln's cobra command tree.
func NewRootCmd(version string) *cobra.Command {
	ctx := &appContext{}
	cmd := &cobra.Command{
		Use:   "kiln",
		Short: "A reproducible, chroot-based build engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&ctx.projectRoot, "project", ".", "project root directory (containing .kiln/)")
	cmd.PersistentFlags().StringVar(&ctx.workDir, "work-dir", "", "scratch directory for chroot staging, SCM checkouts and the local cache mirror (defaults to <project>/.kiln/work)")
	cmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newBuildCmd(ctx))
	cmd.AddCommand(newPlaygroundCmd(ctx))
	cmd.AddCommand(newLsCmd(ctx))
	cmd.AddCommand(newStatusCmd(ctx))
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newVersionCmd(version))

	return cmd
}

// Execute runs the command tree and returns the process exit code
// (§6): 0 on success, 1 on any build/validation/I/O failure not
// otherwise classified, 130 on interrupt, 32 on an internal invariant
// violation — each surfaced by wrapping the RunE error in an
// exitCodeError.
func Execute(version string) int {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return mapExitCode(err)
	}
	return shared.ExitOK
}

func mapExitCode(err error) int {
	var codeErr *exitCodeError
	if errors.As(err, &codeErr) {
		return codeErr.code
	}
	if errors.Is(err, context.Canceled) {
		return shared.ExitInterrupted
	}
	return shared.ExitFailure
}

type exitCodeError struct {
	code int
	err  error
}

func newExitCodeError(code int, err error) *exitCodeError {
	return &exitCodeError{code: code, err: err}
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// loadProject resolves ctx's flags into a logger, a validated project
// and the scratch directory every subsystem (chroot staging, SCM
// checkouts, the local cache mirror) stages work under.
func loadProject(ctx *appContext) (*model.Project, *slog.Logger, string, error) {
	level := slog.LevelInfo
	if ctx.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, err := filepath.Abs(ctx.projectRoot)
	if err != nil {
		return nil, nil, "", newExitCodeError(shared.ExitFailure, err)
	}

	p, err := config.Load(root, logger)
	if err != nil {
		return nil, nil, "", newExitCodeError(shared.ExitFailure, fmt.Errorf("loading project: %w", err))
	}

	workDir := ctx.workDir
	if workDir == "" {
		workDir = filepath.Join(root, ".kiln", "work")
	}
	return p, logger, workDir, nil
}
