package maintenance

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/services"
	"github.com/deploymenttheory/go-remap/internal/types"
	"github.com/deploymenttheory/go-remap/pkg/app"
)

// Handle processes a maintenance request
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx.Log(fmt.Sprintf("Running %s on %s", req.Operation, req.Target.String()))

	var response *Response
	var err error
	if req.Operation == OpFormat {
		response, err = handleFormat(ctx, req)
	} else {
		response, err = withBinding(ctx, req, func(b *app.Binding) (*Response, error) {
			switch req.Operation {
			case OpScrub:
				return handleScrub(ctx, b)
			case OpScan:
				return handleScan(ctx, b)
			default:
				return handleRemap(ctx, b, req.Sectors)
			}
		})
	}
	if err != nil {
		return nil, err
	}

	response.Operation = req.Operation
	response.Device = req.Target.Name()
	response.Elapsed = time.Since(startTime)
	ctx.Progress("Complete", 100)
	ctx.Log(FormatSummary(response))
	return response, nil
}

func handleFormat(ctx *app.Context, req *Request) (response *Response, err error) {
	primary, spare, err := app.OpenDevices(req.Target, ctx.Config)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, dev := range []*device.FileDevice{primary, spare} {
			if cerr := dev.Close(); cerr != nil && err == nil {
				err = app.NewError(app.ErrCodeDeviceAccess, "failed to close device", cerr)
			}
		}
	}()

	ctx.Progress("Writing metadata copies...", 30)
	blob, report, err := services.FormatBinding(ctx, req.Target.Name(), primary, spare, ctx.Config, req.Force)
	if err != nil {
		return nil, app.Wrap("failed to format binding", err)
	}
	if err := spare.Flush(); err != nil {
		return nil, app.NewError(app.ErrCodeDeviceAccess, "failed to flush spare device", err)
	}

	response = &Response{
		BindingUUID: device.FormatUUID(blob.Reassembly.BindingUUID),
		Version:     report.Version,
		Sequence:    report.Sequence,
		Written:     report.Written,
		Failed:      copyFailures(report.Failed),
		ValidCopies: len(report.Written),
	}
	return response, nil
}

// withBinding opens and loads the binding, runs fn and closes the binding,
// which persists any change fn made
func withBinding(ctx *app.Context, req *Request, fn func(*app.Binding) (*Response, error)) (response *Response, err error) {
	ctx.Progress("Opening devices...", 5)
	binding, err := app.OpenBinding(ctx, req.Target, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := binding.Close(); cerr != nil && err == nil {
			err = app.Wrap("failed to close binding", cerr)
		}
	}()

	// Loading schedules a background repair, so record damage before it runs
	candidates, err := binding.Device.Inspect(ctx)
	if err != nil {
		return nil, app.Wrap("failed to inspect metadata", err)
	}

	ctx.Progress("Loading metadata...", 15)
	if err := binding.Start(ctx); err != nil {
		return nil, err
	}
	if response, err = fn(binding); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if !c.IsValid {
			response.Invalid = append(response.Invalid, c.Index)
		}
	}

	status := binding.Device.Status()
	response.BindingUUID = status.BindingUUID
	response.Version = status.Version
	response.Sequence = status.Sequence
	response.ValidCopies = status.ValidCopies
	return response, nil
}

func handleScrub(ctx *app.Context, b *app.Binding) (*Response, error) {
	response := &Response{}
	ctx.Progress("Repairing metadata copies...", 40)
	report, err := b.Device.Scrub(ctx)
	if report != nil {
		response.Repaired = report.Repaired
		response.Failed = copyFailures(report.Failed)
	}
	if err != nil {
		return nil, app.Wrap("metadata repair failed", err)
	}
	return response, nil
}

func handleScan(ctx *app.Context, b *app.Binding) (*Response, error) {
	before := b.Device.Table().Count()
	scanned := b.Device.Stats().SectorsScanned.Load()

	ctx.Progress("Scanning primary device...", 30)
	score, err := b.Device.ScanNow(ctx)
	if err != nil {
		return nil, app.Wrap("health scan failed", err)
	}

	ctx.Progress("Persisting metadata...", 90)
	if _, err := b.Device.Sync(ctx); err != nil {
		return nil, app.Wrap("failed to persist scan results", err)
	}

	scanner := b.Device.Scanner()
	return &Response{Scan: &ScanResult{
		Score:          score,
		Trend:          scanner.Trend().String(),
		SectorsScanned: b.Device.Stats().SectorsScanned.Load() - scanned,
		NewRemaps:      b.Device.Table().Count() - before,
		NextInterval:   scanner.Interval().String(),
	}}, nil
}

func handleRemap(ctx *app.Context, b *app.Binding, sectors []uint64) (*Response, error) {
	response := &Response{}
	for i, sector := range sectors {
		ctx.Progress(fmt.Sprintf("Relocating sector %d...", sector), 20+60*i/len(sectors))
		spare, err := b.Device.RemapSector(sector)
		result := RemapResult{Sector: sector, Spare: spare}
		if err != nil {
			result.Error = err.Error()
		}
		response.Remapped = append(response.Remapped, result)
	}

	ctx.Progress("Persisting metadata...", 90)
	report, err := b.Device.Sync(ctx)
	if err != nil {
		return nil, app.Wrap("failed to persist remap table", err)
	}
	response.Written = report.Written
	response.Failed = copyFailures(report.Failed)
	return response, nil
}

func copyFailures(failed []*types.CopyError) []CopyFailure {
	out := make([]CopyFailure, 0, len(failed))
	for _, f := range failed {
		out = append(out, CopyFailure{Index: f.Index, Sector: f.Sector, Error: f.Err.Error()})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
