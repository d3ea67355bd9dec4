package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	"github.com/regprune/regprune/pkg/api/constants"
	"github.com/regprune/regprune/pkg/cli/cmdflags"
	zlog "github.com/regprune/regprune/pkg/log"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath   string
	registryData string
	registryBin  string
	textfile     string
	verbose      int
}

// "regprune" - registry tag pruner.
func NewRootCmd() *cobra.Command {
	showVersion := false
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "regprune",
		Short: "`regprune` deletes registry tags according to retention policies",
		Long: "`regprune` deletes registry tags according to retention policies.\n\n" +
			"With a native registry the daemon is started for the run and its storage is garbage collected afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\ngo version: %s\n", config.Commit, goVersion())

				return nil
			}

			return cmd.Usage()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, cmdflags.ConfigFlag, "c", "", "configuration file")
	flags.StringVarP(&opts.registryData, cmdflags.RegistryDataFlag, "d", "", "native registry data directory")
	flags.StringVarP(&opts.registryBin, cmdflags.RegistryBinFlag, "b", "", "native registry binary")
	flags.StringVar(&opts.textfile, cmdflags.MetricsTextfileFlag, "", "write run metrics to this file")
	flags.CountVarP(&opts.verbose, cmdflags.VerboseFlag, "v", "increase verbosity, repeat for debug output")

	rootCmd.Flags().BoolVar(&showVersion, cmdflags.VersionFlag, false, "show the version and exit")

	// "clean"
	rootCmd.AddCommand(newCleanCmd(opts))
	// "list-repos"
	rootCmd.AddCommand(newListReposCmd(opts))
	// "verify"
	rootCmd.AddCommand(newVerifyCmd(opts))

	return rootCmd
}

// load reads the configuration named by --config or the first argument and applies the flag overrides.
func (opts *options) load(cmd *cobra.Command, args []string) (*config.Config, zlog.Logger, error) {
	configPath := opts.configPath
	if configPath == "" && len(args) > 0 {
		configPath = args[0]
	}

	if configPath == "" {
		return nil, zlog.Logger{}, fmt.Errorf("%w: no configuration file given", zerr.ErrBadConfig)
	}

	// errors past this point are not about the command line
	cmd.SilenceUsage = true

	conf := config.New()
	if err := config.LoadFromFile(configPath, conf); err != nil {
		return nil, zlog.Logger{}, err
	}

	if opts.registryData != "" {
		conf.Native.Data = opts.registryData
	}

	if opts.registryBin != "" {
		conf.Native.Binary = opts.registryBin
	}

	if opts.textfile != "" {
		conf.Metrics.Textfile = opts.textfile
	}

	if err := config.Validate(conf); err != nil {
		return nil, zlog.Logger{}, err
	}

	level, output := constants.DefaultLogLevel, ""
	if conf.Log != nil {
		level, output = conf.Log.Level, conf.Log.Output
	}

	if cmd.Flags().Changed(cmdflags.VerboseFlag) {
		level = zlog.LevelFromVerbosity(opts.verbose)
	}

	logger := zlog.NewLogger(level, output)
	logger.Debug().Str("path", configPath).Str("registry", conf.RegistryURL()).Bool("native", conf.Native.Enabled).
		Msg("loaded configuration")

	return conf, logger, nil
}

func goVersion() string {
	if config.GoVersion != "" {
		return config.GoVersion
	}

	return runtime.Version()
}
