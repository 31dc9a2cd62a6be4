package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/cli/shared"
	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/pipeline"
	"github.com/kilnforge/kiln/pkg/scm"
)

// newLsCmd lists every named entity in the project alongside its
// computed id — read-only, no build side effects — modeled on the
// teacher's "tasks list" report.
func newLsCmd(ctx *appContext) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List sources, results and chroot groups with their computed ids",
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

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "KIND\tNAME\tID")

			for _, name := range sortedKeys(p.ChrootGroups) {
				id := driver.Hasher.ChrootGroupID(p.ChrootGroups[name])
				fmt.Fprintf(w, "chroot-group\t%s\t%s\n", name, shared.ShortID(id))
			}
			for _, name := range sortedKeys(p.Licences) {
				id := driver.Hasher.LicenceID(p.Licences[name])
				fmt.Fprintf(w, "licence\t%s\t%s\n", name, shared.ShortID(id))
			}
			for _, name := range sortedKeys(p.Environments) {
				id := driver.Hasher.EnvironmentID(p.Environments[name])
				fmt.Fprintf(w, "env\t%s\t%s\n", name, shared.ShortID(id))
			}
			for _, name := range sortedKeys(p.Sources) {
				id, _, err := sourceID(cmd.Context(), driver, p.Sources[name], buildMode.SourceSet)
				if err != nil {
					fmt.Fprintf(w, "source\t%s\t<error: %v>\n", name, err)
					continue
				}
				fmt.Fprintf(w, "source\t%s\t%s\n", name, shared.ShortID(id))
			}
			for _, name := range sortedKeys(p.Results) {
				outcome, err := driver.Status(context.Background(), name, buildMode.SourceSet)
				if err != nil {
					fmt.Fprintf(w, "result\t%s\t<error: %v>\n", name, err)
					continue
				}
				fmt.Fprintf(w, "result\t%s\t%s\n", name, shared.ShortID(outcome.BuildID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "branch", "build mode determining which source set ids are computed under: release|tag|branch|working-copy")
	return cmd
}

func sourceID(ctx context.Context, d *pipeline.Driver, src *model.Source, set model.SourceSet) (string, bool, error) {
	impl, err := d.SCM.For(src)
	if err != nil {
		return "", false, err
	}
	licIDs := make([]string, 0, len(src.Licences))
	for _, l := range src.Licences {
		lic, ok := d.Project.Licences[l]
		if !ok {
			return "", false, fmt.Errorf("unknown licence %q", l)
		}
		licIDs = append(licIDs, d.Hasher.LicenceID(lic))
	}
	var env *model.Environment
	if src.Env != "" {
		env = d.Project.Environments[src.Env]
	}
	in := scm.Inputs{EnvironmentID: d.Hasher.EnvironmentID(env), LicenceIDs: licIDs}
	effective := model.EffectiveSourceSet(src, set)
	return impl.SourceID(ctx, src, effective, in)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
