package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-remap/pkg/app/maintenance"
)

var (
	formatBinding bindingFlags
	formatForce   bool

	scrubBinding bindingFlags
	scanBinding  bindingFlags

	remapBinding bindingFlags
	remapSectors []uint
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Write fresh metadata to a spare device",
	Long: `Write five fresh metadata copies to the spare device, binding it to the
primary. Existing valid metadata is only replaced with --force, which
discards every remap entry it holds.

Examples:
  go-remap format --primary /dev/sdb --spare /dev/sdc
  go-remap format --primary disk.img --spare spare.img --primary-serial WD-1234 --force`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(&maintenance.Request{
			Operation: maintenance.OpFormat,
			Target:    formatBinding.target(),
			Force:     formatForce,
		})
	},
}

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Verify and repair every metadata copy",
	Long: `Read every metadata copy, then rewrite the copies that are missing,
corrupt or stale from the best valid one.

Example:
  go-remap scrub --primary /dev/sdb --spare /dev/sdc`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(&maintenance.Request{
			Operation: maintenance.OpScrub,
			Target:    scrubBinding.target(),
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one health scan pass over the primary device",
	Long: `Sample the primary device, relocate sectors that fail or look likely to
fail, and persist the updated health score.

Example:
  go-remap scan --primary /dev/sdb --spare /dev/sdc -o yaml`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(&maintenance.Request{
			Operation: maintenance.OpScan,
			Target:    scanBinding.target(),
		})
	},
}

var remapCmd = &cobra.Command{
	Use:   "remap",
	Short: "Relocate sectors to the spare by hand",
	Long: `Relocate the listed primary sectors to free spare sectors and persist
the remap table. Sectors that are already remapped are reported and left
in place.

Example:
  go-remap remap --primary /dev/sdb --spare /dev/sdc --sectors 1024,1025,4096`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(&maintenance.Request{
			Operation: maintenance.OpRemap,
			Target:    remapBinding.target(),
			Sectors:   toSectors(remapSectors),
		})
	},
}

func init() {
	rootCmd.AddCommand(formatCmd, scrubCmd, scanCmd, remapCmd)

	formatBinding.register(formatCmd)
	formatCmd.Flags().BoolVarP(&formatForce, "force", "f", false, "overwrite existing metadata")

	scrubBinding.register(scrubCmd)
	scanBinding.register(scanCmd)

	remapBinding.register(remapCmd)
	remapCmd.Flags().UintSliceVar(&remapSectors, "sectors", nil, "primary sectors to relocate (comma separated)")
	remapCmd.MarkFlagRequired("sectors")
}

func runMaintenance(request *maintenance.Request) error {
	ctx := newAppContext()

	response, err := maintenance.Handle(ctx, request)
	if err != nil {
		return err
	}

	return maintenance.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}

func toSectors(values []uint) []uint64 {
	sectors := make([]uint64, len(values))
	for i, v := range values {
		sectors[i] = uint64(v)
	}
	return sectors
}
