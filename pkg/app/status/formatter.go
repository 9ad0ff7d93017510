package status

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// FormatOutput formats a status response according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case "json":
		return formatJSON(w, response)
	case "yaml":
		return formatYAML(w, response)
	case "table":
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// formatTable formats the status as aligned key/value pairs followed by
// the optional copy and entry tables
func formatTable(out io.Writer, response *Response) error {
	d := response.Device
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Device:\t%s\n", d.ID)
	fmt.Fprintf(w, "State:\t%s\n", d.State)
	if d.BindingUUID != "" {
		fmt.Fprintf(w, "Binding:\t%s\n", d.BindingUUID)
	}
	fmt.Fprintf(w, "Metadata:\tversion %d, sequence %d, %d/%d copies valid\n",
		d.Version, d.Sequence, d.ValidCopies, len(d.CopyValid))
	fmt.Fprintf(w, "Remapped:\t%d of %d (%.1f%%)\n", d.RemapCount, d.RemapCapacity, response.CapacityUsed())
	fmt.Fprintf(w, "Health:\t%d (%s, %s)\n", d.HealthScore, response.GetHealthClass(), d.HealthTrend)
	if d.Repair.Degraded || d.Repair.LastError != "" {
		fmt.Fprintf(w, "Repair:\tdegraded=%t %s\n", d.Repair.Degraded, d.Repair.LastError)
	}
	if d.DegradedReason != "" {
		fmt.Fprintf(w, "Degraded:\t%s\n", d.DegradedReason)
	}
	if d.LoadError != "" {
		fmt.Fprintf(w, "Load error:\t%s\n", d.LoadError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(response.Copies) > 0 {
		fmt.Fprintf(out, "\n")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "COPY\tSECTOR\tVALID\tVERSION\tSEQUENCE\tUPDATED\tERROR\n")
		fmt.Fprintf(w, "----\t------\t-----\t-------\t--------\t-------\t-----\n")
		for _, c := range response.Copies {
			updated := "-"
			if c.Valid {
				updated = c.Updated.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%d\t%t\t%d\t%d\t%s\t%s\n",
				c.Index, c.Sector, c.Valid, c.Version, c.Sequence, updated, c.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(response.Entries) > 0 {
		fmt.Fprintf(out, "\n")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ORIGINAL\tSPARE\tREASON\tERRORS\tCREATED\n")
		fmt.Fprintf(w, "--------\t-----\t------\t------\t-------\n")
		for _, e := range response.Entries {
			reason := e.Reason
			if e.FromScan {
				reason += " (scan)"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n",
				e.Original, e.Spare, reason, e.Errors, e.Created.Format("2006-01-02 15:04"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if response.Truncated {
			fmt.Fprintf(out, "(showing first %d of %d entries)\n", len(response.Entries), d.RemapCount)
		}
	}

	return nil
}

// formatJSON formats the status as JSON
func formatJSON(w io.Writer, response *Response) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// formatYAML formats the status as YAML
func formatYAML(w io.Writer, response *Response) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(response)
}

// FormatSummary provides a brief summary for verbose output
func FormatSummary(response *Response) string {
	d := response.Device
	summary := fmt.Sprintf("%s is %s", d.ID, d.State)
	summary += fmt.Sprintf(" with %d remapped sector", d.RemapCount)
	if d.RemapCount != 1 {
		summary += "s"
	}
	summary += fmt.Sprintf(", health %d (%s)", d.HealthScore, response.GetHealthClass())
	if d.ValidCopies < len(d.CopyValid) {
		summary += fmt.Sprintf(", %d of %d copies valid", d.ValidCopies, len(d.CopyValid))
	}
	return summary
}
