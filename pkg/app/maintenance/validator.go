package maintenance

import (
	"fmt"

	"github.com/deploymenttheory/go-remap/pkg/app"
)

// maxSectorsPerRequest bounds a single remap request
const maxSectorsPerRequest = 4096

// Validate validates a maintenance request
func (r *Request) Validate() error {
	switch r.Operation {
	case OpFormat, OpScrub, OpScan, OpRemap:
	default:
		return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("unknown operation %q", r.Operation), nil)
	}

	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid binding target", err)
	}

	if r.Force && r.Operation != OpFormat {
		return app.NewError(app.ErrCodeInvalidInput, "force only applies to format", nil)
	}

	if r.Operation != OpRemap {
		if len(r.Sectors) > 0 {
			return app.NewError(app.ErrCodeInvalidInput, "sectors only apply to remap", nil)
		}
		return nil
	}

	if len(r.Sectors) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "at least one sector is required", nil)
	}
	if len(r.Sectors) > maxSectorsPerRequest {
		return app.NewError(app.ErrCodeInvalidInput,
			fmt.Sprintf("at most %d sectors per request", maxSectorsPerRequest), nil)
	}
	seen := make(map[uint64]bool, len(r.Sectors))
	for _, s := range r.Sectors {
		if seen[s] {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("sector %d listed twice", s), nil)
		}
		seen[s] = true
	}

	return nil
}
