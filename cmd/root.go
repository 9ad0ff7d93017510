package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-remap/internal/config"
	"github.com/deploymenttheory/go-remap/internal/logging"
	"github.com/deploymenttheory/go-remap/pkg/app"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string
	configFile   string

	// Loaded by the root pre-run hook
	loadedConfig *config.Config
	logFile      *os.File
)

var rootCmd = &cobra.Command{
	Use:   "go-remap",
	Short: "Sector remapping for block devices backed by a spare",
	Long: `go-remap keeps a primary block device usable after its sectors start
failing by relocating them to a reserved spare device.

The spare holds five redundant, checksummed copies of the remap metadata
followed by the relocated sector data. Background scanning predicts failing
sectors and relocates them before they lose data.

Commands:
  format      Write fresh metadata to a spare device
  status      Show binding health, metadata copies and remap entries
  scrub       Verify and repair every metadata copy
  scan        Run one health scan pass over the primary device
  remap       Relocate sectors to the spare by hand
  serve       Run bindings in the foreground and export metrics`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		loadedConfig = cfg

		level := logging.LevelFor(verbose, quiet, cfg.Log.Level)
		logFile, err = logging.Configure(level, cfg.Log.File)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		newAppContext().Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default searches ./remap-config.yaml, $HOME/.remap, /etc/remap)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}

// newAppContext builds the application context from the global flags
func newAppContext() *app.Context {
	ctx := app.NewContext()
	if loadedConfig != nil {
		ctx.Config = loadedConfig
	}
	ctx.OutputFormat = GetOutputFormat()
	ctx.Verbose = GetVerbose()
	ctx.Quiet = GetQuiet()
	if ctx.Verbose && !ctx.Quiet {
		ctx.SetProgress(func(message string, percent int) {
			fmt.Fprintf(ctx.ErrOut, "[%3d%%] %s\n", percent, message)
		})
	}
	return ctx
}

// bindingFlags selects the primary and spare devices of a command
type bindingFlags struct {
	id            string
	primary       string
	spare         string
	primarySerial string
	spareSerial   string
}

func (f *bindingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.primary, "primary", "", "path to the primary device or image")
	cmd.Flags().StringVar(&f.spare, "spare", "", "path to the spare device or image")
	cmd.Flags().StringVar(&f.id, "id", "", "binding name used in output and logs (default primary path)")
	cmd.Flags().StringVar(&f.primarySerial, "primary-serial", "", "primary device serial recorded in metadata")
	cmd.Flags().StringVar(&f.spareSerial, "spare-serial", "", "spare device serial recorded in metadata")
	cmd.MarkFlagRequired("primary")
	cmd.MarkFlagRequired("spare")
}

func (f *bindingFlags) target() app.BindingTarget {
	return app.BindingTarget{
		ID:            f.id,
		PrimaryPath:   f.primary,
		SparePath:     f.spare,
		PrimarySerial: f.primarySerial,
		SpareSerial:   f.spareSerial,
	}
}
