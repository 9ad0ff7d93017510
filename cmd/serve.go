package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-remap/pkg/app"
	"github.com/deploymenttheory/go-remap/pkg/app/serve"
)

var (
	serveBindings []string
	serveListen   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run bindings in the foreground and export metrics",
	Long: `Load every binding, run background health scanning, metadata scrubbing
and syncing, and serve Prometheus metrics on /metrics and a JSON status
snapshot on /status. Blank spares are formatted when loaded.

Interrupt or terminate the process to stop; pending metadata is persisted
before exit.

Example:
  go-remap serve --binding data0=/dev/sdb,/dev/sdc --binding data1=/dev/sdd,/dev/sde --listen :9100`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringArrayVarP(&serveBindings, "binding", "b", nil, "binding as [id=]primary,spare (repeatable)")
	serveCmd.Flags().StringVar(&serveListen, "listen", ":9100", "metrics listen address")
	serveCmd.MarkFlagRequired("binding")
}

func runServe() (err error) {
	ctx := newAppContext()

	request := &serve.Request{Listen: serveListen}
	for _, value := range serveBindings {
		target, err := serve.ParseBinding(value)
		if err != nil {
			return err
		}
		request.Targets = append(request.Targets, target)
	}

	appCtx, cancel := ctx.WithCancel()
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			appCtx.Log(fmt.Sprintf("received %s, stopping", sig))
			cancel()
		case <-appCtx.Done():
		}
	}()

	server, err := serve.Open(appCtx, request)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := server.Close(); cerr != nil && err == nil {
			err = app.Wrap("failed to stop bindings", cerr)
		}
	}()

	return server.Serve(appCtx)
}
