package status

import (
	"github.com/deploymenttheory/go-remap/pkg/app"
)

// Validate validates a status request
func (r *Request) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid binding target", err)
	}

	if r.MaxEntries < 0 {
		return app.NewError(app.ErrCodeInvalidInput, "max entries cannot be negative", nil)
	}
	if r.MaxEntries > 0 && !r.ShowEntries {
		return app.NewError(app.ErrCodeInvalidInput, "max entries requires showing entries", nil)
	}

	return nil
}
