// Package serve runs a set of bindings in the foreground and exports their
// status over HTTP.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	logging "github.com/op/go-logging"

	"github.com/deploymenttheory/go-remap/internal/metrics"
	"github.com/deploymenttheory/go-remap/internal/services"
	"github.com/deploymenttheory/go-remap/pkg/app"
)

var log = logging.MustGetLogger("remap.serve")

const shutdownTimeout = 10 * time.Second

// Request describes the bindings to serve and where to listen
type Request struct {
	Targets []app.BindingTarget
	Listen  string
}

// Validate validates a serve request
func (r *Request) Validate() error {
	if len(r.Targets) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "at least one binding is required", nil)
	}
	seen := make(map[string]bool, len(r.Targets))
	paths := make(map[string]bool, 2*len(r.Targets))
	for _, target := range r.Targets {
		if err := target.Validate(); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid binding %s", target.Name()), err)
		}
		if seen[target.Name()] {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("binding %s listed twice", target.Name()), nil)
		}
		seen[target.Name()] = true
		for _, path := range []string{target.PrimaryPath, target.SparePath} {
			if paths[path] {
				return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("device %s used by more than one binding", path), nil)
			}
			paths[path] = true
		}
	}
	if r.Listen == "" {
		return app.NewError(app.ErrCodeInvalidInput, "listen address is required", nil)
	}
	return nil
}

// ParseBinding parses a binding given as [id=]primary,spare
func ParseBinding(value string) (app.BindingTarget, error) {
	var target app.BindingTarget
	paths := value
	if id, rest, ok := strings.Cut(value, "="); ok {
		target.ID = id
		paths = rest
	}
	primary, spare, ok := strings.Cut(paths, ",")
	if !ok || primary == "" || spare == "" {
		return target, app.NewError(app.ErrCodeInvalidInput,
			fmt.Sprintf("binding %q must be [id=]primary,spare", value), nil)
	}
	target.PrimaryPath = primary
	target.SparePath = spare
	return target, nil
}

// Server owns the registered bindings and the HTTP endpoint over them
type Server struct {
	registry *services.DeviceRegistry
	bindings []*app.Binding
	listener net.Listener
	http     *http.Server
}

// Open opens and loads every binding, then binds the listener. Blank spares
// are formatted on load. On error every binding opened so far is closed.
func Open(ctx *app.Context, req *Request) (server *Server, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	server = &Server{registry: services.NewDeviceRegistry()}
	defer func() {
		if err != nil {
			server.closeBindings()
		}
	}()

	for _, target := range req.Targets {
		binding, err := app.OpenBinding(ctx, target, true)
		if err != nil {
			return nil, err
		}
		server.bindings = append(server.bindings, binding)
		if err := server.registry.Register(binding.Device); err != nil {
			return nil, app.NewError(app.ErrCodeInvalidInput, "failed to register binding", err)
		}
		if err := binding.Device.Start(ctx); err != nil {
			return nil, app.Wrap(fmt.Sprintf("failed to start %s", target.Name()), err)
		}
	}

	waitCtx, cancel := ctx.WithTimeout(ctx.DefaultTimeout)
	defer cancel()
	for _, binding := range server.bindings {
		// A failed binding keeps serving its status; only a stuck load is fatal
		if err := binding.Device.WaitReady(waitCtx); err != nil {
			if waitCtx.Err() != nil {
				return nil, app.Wrap(fmt.Sprintf("timed out loading %s", binding.Target.Name()), err)
			}
			log.Errorf("binding %s failed to load: %v", binding.Target.Name(), err)
			continue
		}
		log.Infof("binding %s ready: %s", binding.Target.Name(), binding.Device.State())
	}

	server.listener, err = net.Listen("tcp", req.Listen)
	if err != nil {
		return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("failed to listen on %s", req.Listen), err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(server.registry)))
	mux.HandleFunc("/status", server.handleStatus)
	server.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return server, nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Registry returns the registry holding the served devices
func (s *Server) Registry() *services.DeviceRegistry {
	return s.registry
}

// Serve handles HTTP requests until ctx is done, then shuts down
func (s *Server) Serve(ctx *app.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()
	log.Noticef("serving %d bindings on %s", len(s.bindings), s.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	// The parent is already done, so shut down against a fresh deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Close stops every device, persisting pending metadata, and closes the
// underlying files
func (s *Server) Close() error {
	var errs []error
	if err := s.http.Close(); err != nil {
		errs = append(errs, err)
	}
	// Already closed when Serve ran
	s.listener.Close()
	if err := s.registry.StopAll(); err != nil {
		errs = append(errs, err)
	}
	if err := s.closeBindings(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeBindings() error {
	var errs []error
	for _, binding := range s.bindings {
		if err := binding.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", binding.Target.Name(), err))
		}
	}
	s.bindings = nil
	return errors.Join(errs...)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.registry.Snapshot()); err != nil {
		log.Warningf("failed to write status response: %v", err)
	}
}
