package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/regprune/regprune/pkg/cleaner"
	"github.com/regprune/regprune/pkg/retention"
)

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [config]",
		Short: "`verify` checks the configuration and prints the resolved policies",
		Long: "`verify` checks the configuration and prints the resolved policies.\n\n" +
			"The registry is not contacted.",
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

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "registry %s\n", conf.RegistryURL())

			if regCleaner.Native() {
				fmt.Fprintf(out, "native binary=%s data=%s address=%s\n", conf.Native.Binary, conf.Native.Data,
					conf.Native.Address)
			}

			if err := printPolicies(out, regCleaner.Policies()); err != nil {
				return err
			}

			logger.Info().Int("policies", len(regCleaner.Policies())).Msg("configuration is valid")

			return nil
		},
	}
}

func getPolicyTableWriter(writer io.Writer) *tablewriter.Table {
	symbols := tw.NewSymbolCustom("Spaces").
		WithRow("").
		WithColumn(" ").
		WithTopLeft("").
		WithTopMid("").
		WithTopRight("").
		WithMidLeft("").
		WithCenter("").
		WithMidRight("").
		WithBottomLeft("").
		WithBottomMid("").
		WithBottomRight("")

	table := tablewriter.NewWriter(writer)

	table.Options(
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.Border{Left: tw.Off, Right: tw.Off, Top: tw.Off, Bottom: tw.Off},
			Symbols: symbols,
			Settings: tw.Settings{
				Separators: tw.Separators{
					ShowHeader:     tw.Off,
					ShowFooter:     tw.Off,
					BetweenRows:    tw.Off,
					BetweenColumns: tw.On,
				},
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: " "}),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
	)

	return table
}

// printPolicies lists the policies in the order they are matched against repositories.
func printPolicies(writer io.Writer, policies []*retention.RepositoryPolicy) error {
	var builder strings.Builder

	table := getPolicyTableWriter(&builder)

	if err := table.Append([]string{"POLICY", "PATHS", "CLEANERS"}); err != nil {
		return err
	}

	for _, policy := range policies {
		stages := make([]string, 0, len(policy.Stages()))
		for _, stage := range policy.Stages() {
			stages = append(stages, stage.Name+"("+stage.Selector.Kind()+")")
		}

		row := []string{policy.Name(), strings.Join(policy.Paths(), ","), strings.Join(stages, " -> ")}
		if err := table.Append(row); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	_, err := fmt.Fprint(writer, builder.String())

	return err
}
