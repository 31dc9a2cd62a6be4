package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/cli/shared"
	"github.com/kilnforge/kiln/pkg/pipeline"
)

func newStatusCmd(ctx *appContext) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "status <result>",
		Short: "Show a result's build id and whether it is already stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildMode, ok := buildModes[mode]
			if !ok {
				return newExitCodeError(shared.ExitFailure, fmt.Errorf("unknown build mode %q", mode))
			}

			p, _, workDir, err := loadProject(ctx)
			if err != nil {
				return err
			}
			driver := pipeline.NewDriver(p, workDir)

			outcome, err := driver.Status(context.Background(), args[0], buildMode.SourceSet)
			if err != nil {
				return newExitCodeError(shared.ExitFailure, err)
			}

			fmt.Printf("result:  %s\n", outcome.Result)
			fmt.Printf("buildid: %s\n", outcome.BuildID)
			fmt.Printf("state:   %s\n", outcome.State)
			if outcome.NonCachable {
				fmt.Println("note:    non-cachable under this source set")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "branch", "build mode: release|tag|branch|working-copy")
	return cmd
}
