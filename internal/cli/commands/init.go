package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newInitCmd scaffolds an empty ".kiln/" tree: a version file, an empty
// config and the five per-entity subtrees, so a new project has
// somewhere to add its first source and result record.
func newInitCmd() *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty .kiln/ project tree in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dotDir := ".kiln"
			if err := writeIfNotExists(filepath.Join(dotDir, "version"), branch+" ^\n"); err != nil {
				return err
			}
			if err := writeIfNotExists(filepath.Join(dotDir, "config"), "servers: []\n"); err != nil {
				return err
			}
			for _, sub := range []string{"sources", "results", "chroot", "licences", "env"} {
				if err := os.MkdirAll(filepath.Join(dotDir, sub), 0o755); err != nil {
					return err
				}
			}
			fmt.Println("initialized .kiln/ in", dotDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "main", "initial branch name written to .kiln/version")
	return cmd
}

func writeIfNotExists(path, content string) error {
	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
