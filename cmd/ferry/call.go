package main

import (
	"context"
	"fmt"
	"time"

	"github.com/TheSmallBoat/ferry/ferrylib"
	"github.com/spf13/cobra"
)

var callFlags struct {
	config    string
	addr      string
	transport string
	service   string
	body      string
	timeout   time.Duration
	count     int
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Issue calls and print their responses",
	RunE:  runCall,
}

func init() {
	callCmd.Flags().StringVar(&callFlags.config, "config", "", "path to a yaml config, overrides the other flags")
	callCmd.Flags().StringVar(&callFlags.addr, "addr", "127.0.0.1:9001", "address to dial")
	callCmd.Flags().StringVar(&callFlags.transport, "transport", "tcp", "tcp or quic")
	callCmd.Flags().StringVar(&callFlags.service, "service", "echo", "service to call")
	callCmd.Flags().StringVar(&callFlags.body, "body", "hello", "request body")
	callCmd.Flags().DurationVar(&callFlags.timeout, "timeout", 0, "per-call budget, 0 for the connection default")
	callCmd.Flags().IntVarP(&callFlags.count, "count", "n", 1, "number of calls to issue")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(callFlags.config, callFlags.addr, callFlags.transport)
	if err != nil {
		return err
	}

	client := conf.Client()
	defer client.Shutdown()

	for i := 0; i < callFlags.count; i++ {
		res, err := client.Call(context.Background(), ferrylib.CallOptions{
			Service: callFlags.service,
			Body:    []byte(callFlags.body),
			Timeout: callFlags.timeout,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(res))
	}
	return nil
}
