// Command relay runs a standalone OTP relay, optionally heartbeating to a
// pool index.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/daphne-net/otp-go/internal/logging"
	"github.com/daphne-net/otp-go/relaynode"
)

func main() {
	host := flag.String("host", "127.0.0.1", "address to listen on")
	port := flag.String("port", "6000", "port to listen on")
	poolIndexAddr := flag.String("pool-index", "", "host:port of a pool index to heartbeat to (optional)")
	logFile := flag.String("log-file", "relay-debug.log", "debug log file path")
	flag.Parse()

	logger, lf, err := logging.Setup("relay", *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer lf.Close()

	r := &relaynode.Relay{
		Host:          *host,
		Port:          *port,
		PoolIndexAddr: *poolIndexAddr,
		Logger:        logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = r.Close()
	}()

	fmt.Printf("relay listening on %s:%s\n", *host, *port)
	if err := r.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relay error: %v\n", err)
		os.Exit(1)
	}
}
