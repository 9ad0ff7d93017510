package status

import (
	"fmt"
	"sort"
	"time"

	"github.com/deploymenttheory/go-remap/internal/types"
	"github.com/deploymenttheory/go-remap/pkg/app"
)

// Handle processes a status request
func Handle(ctx *app.Context, req *Request) (response *Response, err error) {
	startTime := time.Now()

	// 1. Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Reading binding status: %s", req.Target.String()))
	ctx.Progress("Opening devices...", 5)

	// 2. Open the binding without background scanning
	binding, err := app.OpenBinding(ctx, req.Target, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := binding.Close(); cerr != nil && err == nil {
			err = app.Wrap("failed to close binding", cerr)
		}
	}()

	// 3. Inspect copies before loading, so the report shows what is on disk
	ctx.Progress("Inspecting metadata copies...", 20)
	candidates, err := binding.Device.Inspect(ctx)
	if err != nil {
		return nil, app.Wrap("failed to inspect metadata", err)
	}

	ctx.Progress("Loading metadata...", 50)
	if err := binding.Start(ctx); err != nil {
		return nil, err
	}

	response = &Response{Device: binding.Device.Status()}
	if req.ShowCopies {
		response.Copies = CopyInfos(candidates)
	}
	if req.ShowEntries {
		entries, _ := binding.Device.Table().Snapshot()
		response.Entries, response.Truncated = EntryInfos(entries, req.MaxEntries)
	}
	response.QueryTime = time.Since(startTime)

	ctx.Progress("Complete", 100)
	ctx.Log(fmt.Sprintf("Status read: %s, %d/%d entries in %v", response.Device.State,
		response.Device.RemapCount, response.Device.RemapCapacity, response.QueryTime))

	return response, nil
}

// CopyInfos converts per-copy read results for display
func CopyInfos(candidates []types.CopyCandidate) []CopyInfo {
	out := make([]CopyInfo, 0, len(candidates))
	for _, c := range candidates {
		info := CopyInfo{Index: c.Index, Sector: c.Sector, Valid: c.IsValid, Error: c.ErrorMsg}
		if c.Blob != nil {
			info.Version = c.Blob.Header.Version
			info.Sequence = c.Blob.Header.Sequence
			info.Updated = c.Blob.Header.Updated().UTC()
		}
		out = append(out, info)
	}
	return out
}

// EntryInfos converts remap entries for display, ordered by original
// sector. A positive max limits the result and reports truncation.
func EntryInfos(entries []types.RemapEntry, max int) ([]EntryInfo, bool) {
	sorted := make([]types.RemapEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OriginalSector < sorted[j].OriginalSector
	})

	truncated := false
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
		truncated = true
	}

	out := make([]EntryInfo, len(sorted))
	for i, e := range sorted {
		out[i] = EntryInfo{
			Original: e.OriginalSector,
			Spare:    e.SpareSector,
			Reason:   e.Reason.String(),
			Errors:   e.ErrorCount,
			FromScan: e.Flags&types.RemapFlagFromScan != 0,
			Created:  e.Created().UTC(),
			Restored: e.Flags&types.RemapFlagRestored != 0,
		}
	}
	return out, truncated
}
