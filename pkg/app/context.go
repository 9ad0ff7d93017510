package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/deploymenttheory/go-remap/internal/config"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Engine configuration
	Config *config.Config

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool
	Out          io.Writer
	ErrOut       io.Writer

	// Common timeouts
	DefaultTimeout time.Duration

	// Progress reporting
	ProgressCallback func(message string, percent int)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:        context.Background(),
		Config:         config.Default(),
		OutputFormat:   "table",
		Out:            os.Stdout,
		ErrOut:         os.Stderr,
		DefaultTimeout: 30 * time.Second,
	}
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// WithCancel creates a cancellable context
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Log outputs a message based on verbosity settings
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose && c.ErrOut != nil {
		fmt.Fprintln(c.ErrOut, message)
	}
}

// Error reports err with its code on the error stream. Quiet mode does not
// silence errors.
func (c *Context) Error(err error) {
	if err == nil || c.ErrOut == nil {
		return
	}
	fmt.Fprintf(c.ErrOut, "Error: %v\n", err)
	if code := CodeFor(err); code != "" && code != ErrCodeInternal {
		fmt.Fprintf(c.ErrOut, "Code: %s\n", code)
	}
}
