package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-remap/pkg/app/status"
)

var (
	statusBinding     bindingFlags
	statusShowCopies  bool
	statusShowEntries bool
	statusMaxEntries  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show binding health, metadata copies and remap entries",
	Long: `Load the metadata of a binding and report its state.

Status never formats a blank spare; it fails with NOT_FORMATTED instead.

Examples:
  # Summary of a binding
  go-remap status --primary /dev/sdb --spare /dev/sdc

  # Include every metadata copy and the first 50 remap entries
  go-remap status --primary disk.img --spare spare.img --copies --entries --limit 50 -o json`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusBinding.register(statusCmd)
	statusCmd.Flags().BoolVar(&statusShowCopies, "copies", false, "list every metadata copy")
	statusCmd.Flags().BoolVar(&statusShowEntries, "entries", false, "list remap entries")
	statusCmd.Flags().IntVar(&statusMaxEntries, "limit", 0, "maximum entries to list (0 for all)")
}

func runStatus() error {
	ctx := newAppContext()

	request := &status.Request{
		Target:      statusBinding.target(),
		ShowCopies:  statusShowCopies,
		ShowEntries: statusShowEntries,
		MaxEntries:  statusMaxEntries,
	}

	response, err := status.Handle(ctx, request)
	if err != nil {
		return err
	}

	return status.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
