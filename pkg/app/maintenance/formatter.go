package maintenance

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// FormatOutput formats a maintenance response according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		encoder.SetIndent(2)
		return encoder.Encode(response)
	case "table":
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatTable(out io.Writer, response *Response) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Operation:\t%s\n", response.Operation)
	fmt.Fprintf(w, "Device:\t%s\n", response.Device)
	if response.BindingUUID != "" {
		fmt.Fprintf(w, "Binding:\t%s\n", response.BindingUUID)
	}
	fmt.Fprintf(w, "Metadata:\tversion %d, sequence %d, %d copies valid\n",
		response.Version, response.Sequence, response.ValidCopies)
	if len(response.Written) > 0 {
		fmt.Fprintf(w, "Written:\t%s\n", joinInts(response.Written))
	}
	if len(response.Invalid) > 0 {
		fmt.Fprintf(w, "Invalid before:\t%s\n", joinInts(response.Invalid))
	}
	if response.Operation == OpScrub {
		repaired := "none"
		if len(response.Repaired) > 0 {
			repaired = joinInts(response.Repaired)
		}
		fmt.Fprintf(w, "Repaired:\t%s\n", repaired)
	}
	if s := response.Scan; s != nil {
		fmt.Fprintf(w, "Health:\t%d (%s)\n", s.Score, s.Trend)
		fmt.Fprintf(w, "Scanned:\t%d sectors, %d relocated\n", s.SectorsScanned, s.NewRemaps)
		fmt.Fprintf(w, "Next scan:\t%s\n", s.NextInterval)
	}
	for _, f := range response.Failed {
		fmt.Fprintf(w, "Copy %d failed:\tsector %d: %s\n", f.Index, f.Sector, f.Error)
	}
	fmt.Fprintf(w, "Elapsed:\t%v\n", response.Elapsed)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(response.Remapped) > 0 {
		fmt.Fprintf(out, "\n")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "SECTOR\tSPARE\tRESULT\n")
		fmt.Fprintf(w, "------\t-----\t------\n")
		for _, r := range response.Remapped {
			result := "ok"
			if r.Error != "" {
				result = r.Error
			}
			fmt.Fprintf(w, "%d\t%d\t%s\n", r.Sector, r.Spare, result)
		}
		return w.Flush()
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

// FormatSummary provides a brief summary for verbose output
func FormatSummary(response *Response) string {
	switch response.Operation {
	case OpFormat:
		return fmt.Sprintf("Formatted %s: %d copies written", response.Device, len(response.Written))
	case OpScrub:
		return fmt.Sprintf("Scrubbed %s: %d copies repaired, %d valid", response.Device, len(response.Repaired), response.ValidCopies)
	case OpScan:
		if response.Scan == nil {
			return fmt.Sprintf("Scanned %s", response.Device)
		}
		return fmt.Sprintf("Scanned %s: health %d, %d sectors relocated", response.Device, response.Scan.Score, response.Scan.NewRemaps)
	default:
		failed := 0
		for _, r := range response.Remapped {
			if r.Error != "" {
				failed++
			}
		}
		return fmt.Sprintf("Remapped %d of %d sectors on %s", len(response.Remapped)-failed, len(response.Remapped), response.Device)
	}
}
