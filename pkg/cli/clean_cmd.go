package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/regprune/regprune/pkg/cleaner"
	"github.com/regprune/regprune/pkg/cli/cmdflags"
)

func newCleanCmd(opts *options) *cobra.Command {
	pretend := false

	cleanCmd := &cobra.Command{
		Use:   "clean [config]",
		Short: "`clean` deletes the tags rejected by the repository policies",
		Long: "`clean` deletes the tags rejected by the repository policies.\n\n" +
			"With --pretend the decisions are only logged and printed, the registry is not modified.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := opts.load(cmd, args)
			if err != nil {
				return err
			}

			regCleaner, err := cleaner.New(conf, nil, logger)
			if err != nil {
				return err
			}

			result, err := regCleaner.Clean(cmd.Context(), pretend)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := "Deleted"

			if pretend {
				verb = "Would delete"
			}

			for _, repo := range result.Repositories {
				for _, tag := range repo.Deleted {
					fmt.Fprintf(out, "%s %s:%s\n", verb, repo.Name, tag)
				}
			}

			for _, repo := range result.RemovedRepositories {
				fmt.Fprintf(out, "Removed repo %s\n", repo)
			}

			fmt.Fprintf(out, "%s %s tags in %s repositories\n", verb, humanize.Comma(int64(result.DeletedTags())),
				humanize.Comma(int64(result.Scanned)))

			return nil
		},
	}

	cleanCmd.Flags().BoolVarP(&pretend, cmdflags.PretendFlag, "p", false, "only print what would be deleted")

	return cleanCmd
}
