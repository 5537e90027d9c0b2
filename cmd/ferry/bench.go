package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSmallBoat/ferry/ferrylib"
	"github.com/caio/go-tdigest"
	"github.com/spf13/cobra"
)

var benchFlags struct {
	config    string
	addr      string
	transport string
	service   string
	count     int
	workers   int
	payload   int
	timeout   time.Duration
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure call latency against a running server",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().StringVar(&benchFlags.config, "config", "", "path to a yaml config, overrides the other flags")
	benchCmd.Flags().StringVar(&benchFlags.addr, "addr", "127.0.0.1:9001", "address to dial")
	benchCmd.Flags().StringVar(&benchFlags.transport, "transport", "tcp", "tcp or quic")
	benchCmd.Flags().StringVar(&benchFlags.service, "service", "echo", "service to call")
	benchCmd.Flags().IntVarP(&benchFlags.count, "count", "n", 10000, "number of calls to issue")
	benchCmd.Flags().IntVar(&benchFlags.workers, "workers", 8, "concurrent callers")
	benchCmd.Flags().IntVar(&benchFlags.payload, "payload", 64, "request body size in bytes")
	benchCmd.Flags().DurationVar(&benchFlags.timeout, "timeout", 0, "per-call budget, 0 for the connection default")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(benchFlags.config, benchFlags.addr, benchFlags.transport)
	if err != nil {
		return err
	}

	ferrylib.StartPoolMetrics()
	defer ferrylib.ReleasePoolMetrics()

	client := conf.Client()
	defer client.Shutdown()

	payload := bytes.Repeat([]byte("x"), benchFlags.payload)

	// Warm the connection so the dial is not part of the first sample.
	if _, err := client.CallService(context.Background(), benchFlags.service, payload); err != nil {
		return err
	}

	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		failed uint64
		wg     sync.WaitGroup
	)

	per := benchFlags.count / benchFlags.workers
	if per < 1 {
		per = 1
	}

	start := time.Now()
	for w := 0; w < benchFlags.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				t0 := time.Now()
				_, err := client.Call(context.Background(), ferrylib.CallOptions{
					Service: benchFlags.service,
					Body:    payload,
					Timeout: benchFlags.timeout,
				})
				elapsed := time.Since(t0)
				if err != nil {
					atomic.AddUint64(&failed, 1)
					continue
				}
				mu.Lock()
				_ = td.Add(float64(elapsed.Nanoseconds()))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	issued := benchFlags.workers * per
	fmt.Printf("calls    %d\n", issued)
	fmt.Printf("failed   %d\n", atomic.LoadUint64(&failed))
	fmt.Printf("elapsed  %v\n", total.Round(time.Millisecond))
	fmt.Printf("rate     %.0f calls/sec\n", float64(issued)/total.Seconds())
	fmt.Printf("p50      %v\n", time.Duration(td.Quantile(0.50)))
	fmt.Printf("p99      %v\n", time.Duration(td.Quantile(0.99)))
	fmt.Printf("p999     %v\n", time.Duration(td.Quantile(0.999)))
	fmt.Printf("pools    %s\n", ferrylib.JsonStringPoolMetrics())
	return nil
}
