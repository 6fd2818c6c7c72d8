// Command client is a minimal OTP client demo: it syncs the relay list from
// a pool index, builds an N-hop circuit to a destination, and round-trips a
// single payload.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	otpclient "github.com/daphne-net/otp-go/client"
	"github.com/daphne-net/otp-go/internal/logging"
)

func main() {
	poolIndexHost := flag.String("pool-index-host", "127.0.0.1", "pool index host")
	poolIndexPort := flag.String("pool-index-port", "7000", "pool index port")
	destHost := flag.String("dest-host", "127.0.0.1", "destination host")
	destPort := flag.Uint("dest-port", 9000, "destination port")
	hops := flag.Int("hops", 1, "number of relay hops")
	payload := flag.String("payload", "ping", "payload to send")
	logFile := flag.String("log-file", "client-debug.log", "debug log file path")
	flag.Parse()

	logger, lf, err := logging.Setup("client", *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer lf.Close()

	c := &otpclient.Client{
		PoolIndexHost: *poolIndexHost,
		PoolIndexPort: *poolIndexPort,
		Logger:        logger,
	}

	if err := c.SyncNodesList(); err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.RandomPathToDestination(ctx, *destHost, uint16(*destPort), *hops); err != nil {
		fmt.Fprintf(os.Stderr, "circuit build failed: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Send([]byte(*payload)); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(1)
	}

	reply, err := c.ReceiveExactly(len(*payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "receive failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("received: %s\n", reply)
}
