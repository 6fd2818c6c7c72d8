// Command poolindex runs a standalone pool index, tracking live relays via
// heartbeats and answering LIST queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daphne-net/otp-go/internal/logging"
	"github.com/daphne-net/otp-go/poolindex"
)

func main() {
	host := flag.String("host", "127.0.0.1", "address to listen on")
	port := flag.String("port", "7000", "port to listen on")
	requestedDelay := flag.Uint("requested-delay", 15, "heartbeat cadence told to relays, seconds")
	deprecationDelay := flag.Duration("deprecation-delay", 30*time.Second, "relay liveness window")
	gcCycle := flag.Duration("gc-cycle", 10*time.Second, "garbage-sweep interval")
	logFile := flag.String("log-file", "poolindex-debug.log", "debug log file path")
	flag.Parse()

	logger, lf, err := logging.Setup("poolindex", *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer lf.Close()

	p := &poolindex.PoolIndex{
		Host:             *host,
		Port:             *port,
		RequestedDelay:   uint8(*requestedDelay),
		DeprecationDelay: *deprecationDelay,
		GCCycle:          *gcCycle,
		Logger:           logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = p.Close()
	}()

	fmt.Printf("pool index listening on %s:%s\n", *host, *port)
	if err := p.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pool index error: %v\n", err)
		os.Exit(1)
	}
}
