package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheSmallBoat/ferry/ferrylib"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	config    string
	addr      string
	transport string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.config, "config", "", "path to a yaml config, overrides the other flags")
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "127.0.0.1:9001", "address to listen on")
	serveCmd.Flags().StringVar(&serveFlags.transport, "transport", "tcp", "tcp, tcp4, tcp6 or quic")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(serveFlags.config, serveFlags.addr, serveFlags.transport)
	if err != nil {
		return err
	}

	logger := ferrylib.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	srv := conf.Server()
	srv.Logger = logger
	srv.BindAddrs = []ferrylib.BindFunc{conf.Bind()}
	srv.Handler = ferrylib.HandlerFunc(func(ctx *ferrylib.RequestContext) error {
		return ctx.Reply(ctx.Body())
	})

	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("serving", "transport", conf.Transport)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	srv.Shutdown()
	return nil
}
