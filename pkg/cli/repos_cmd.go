package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regprune/regprune/pkg/cleaner"
)

func newListReposCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list-repos [config]",
		Short: "`list-repos` prints every tag of every repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := opts.load(cmd, args)
			if err != nil {
				return err
			}

			regCleaner, err := cleaner.New(conf, nil, logger)
			if err != nil {
				return err
			}

			repos, err := regCleaner.ListRepos(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			for _, repo := range repos {
				if len(repo.Tags) == 0 {
					fmt.Fprintf(out, "Empty repo %s\n", repo.Name)

					continue
				}

				for _, tag := range repo.Tags {
					fmt.Fprintf(out, "%s:%s\n", repo.Name, tag)
				}
			}

			return nil
		},
	}
}
