package main

import (
	"fmt"
	"os"

	"github.com/TheSmallBoat/ferry/ferrylib"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "ferry",
	Short:         "Multiplexed RPC over TCP or QUIC",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(path, addr, transport string) (*ferrylib.Config, error) {
	if path != "" {
		return ferrylib.LoadConfig(path)
	}
	conf := &ferrylib.Config{Addr: addr, Transport: transport}
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
