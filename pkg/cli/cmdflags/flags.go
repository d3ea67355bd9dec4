package cmdflags

const (
	ConfigFlag          = "config"
	RegistryDataFlag    = "registry-data"
	RegistryBinFlag     = "registry-bin"
	VerboseFlag         = "verbose"
	MetricsTextfileFlag = "metrics-textfile"
	PretendFlag         = "pretend"
	VersionFlag         = "version"
)
