// Package client implements the short-lived OTP-Client role: sync the relay
// list from a pool index, pick a random path, build a circuit incrementally,
// and send/receive the payload stream (§4.3, §6).
package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/daphne-net/otp-go/circuit"
	"github.com/daphne-net/otp-go/pathselect"
	"github.com/daphne-net/otp-go/poolindex"
)

const defaultExtendTimeout = 10 * time.Second

// Client holds the synced relay list and the currently active circuit, if
// any.
type Client struct {
	PoolIndexHost string
	PoolIndexPort string

	// ExtendTimeout bounds each hop's handshake (default 10s).
	ExtendTimeout time.Duration

	Logger *slog.Logger

	relays map[string]poolindex.RelayRecord
	circ   *circuit.Circuit
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) extendTimeout() time.Duration {
	if c.ExtendTimeout > 0 {
		return c.ExtendTimeout
	}
	return defaultExtendTimeout
}

// SyncNodesList opens a TCP connection to the pool index, sends the LIST
// command, and reads records of the form <host-bytes>\x00<port uint16 BE>
// until EOF, populating the relay list. Duplicate keys do not create
// duplicate entries (§4.3).
func (c *Client) SyncNodesList() error {
	addr := net.JoinHostPort(c.PoolIndexHost, c.PoolIndexPort)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial pool index: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x00}); err != nil {
		return fmt.Errorf("send LIST: %w", err)
	}

	if c.relays == nil {
		c.relays = make(map[string]poolindex.RelayRecord)
	}

	br := bufio.NewReader(conn)
	for {
		hostBytes, err := br.ReadBytes(0x00)
		if err != nil {
			break // EOF ends the record stream
		}
		host := string(hostBytes[:len(hostBytes)-1])

		portBytes := make([]byte, 2)
		if _, err := readFull(br, portBytes); err != nil {
			break
		}
		port := binary.BigEndian.Uint16(portBytes)

		r := poolindex.RelayRecord{Host: host, Port: port}
		c.relays[fmt.Sprintf("%s:%d", host, port)] = r
	}

	c.logger().Info("synced relay list", "count", len(c.relays))
	return nil
}

// PurgeNodesList clears the synced relay set.
func (c *Client) PurgeNodesList() {
	c.relays = nil
}

// Connect dials addr directly, establishing a zero-hop circuit (§4.3
// "connects directly to the first" relay). It is the building block
// RandomPathToDestination uses for the first hop; callers building a path
// by hand can call it directly instead.
func (c *Client) Connect(addr string) error {
	circ, err := circuit.Dial(addr, c.logger())
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	c.circ = circ
	return nil
}

// NextDestination extends the active circuit by one hop, tunnelling the
// handshake through every hop already installed (§4.3 "for each remaining
// relay and finally for the destination, calls next_handshake"). It is the
// building block RandomPathToDestination uses for every hop after the
// first, including the final destination.
func (c *Client) NextDestination(ctx context.Context, host string, port uint16) error {
	if c.circ == nil {
		return fmt.Errorf("no active circuit")
	}
	return c.circ.Extend(ctx, host, port, c.extendTimeout())
}

// RandomPathToDestination picks n distinct relays uniformly at random,
// Connects to the first, and NextDestinations through the rest, with the
// final call's destination fields set to the real (destHost, destPort) so
// the last relay plain-TCP-bridges to it rather than expecting an OTP peer
// there (§9 OQ4).
func (c *Client) RandomPathToDestination(ctx context.Context, destHost string, destPort uint16, n int) error {
	relays := make([]poolindex.RelayRecord, 0, len(c.relays))
	for _, r := range c.relays {
		relays = append(relays, r)
	}

	path, err := pathselect.Choose(relays, n)
	if err != nil {
		return fmt.Errorf("select path: %w", err)
	}

	first := path[0]
	if err := c.Connect(fmt.Sprintf("%s:%d", first.Host, first.Port)); err != nil {
		return fmt.Errorf("dial first hop: %w", err)
	}

	for i := 1; i < len(path); i++ {
		next := path[i]
		if err := c.NextDestination(ctx, next.Host, next.Port); err != nil {
			_ = c.Close()
			return fmt.Errorf("extend to hop %d: %w", i+1, err)
		}
	}

	if err := c.NextDestination(ctx, destHost, destPort); err != nil {
		_ = c.Close()
		return fmt.Errorf("extend to destination: %w", err)
	}

	return nil
}

// Send encrypts and sends data over the active circuit.
func (c *Client) Send(data []byte) error {
	if c.circ == nil {
		return fmt.Errorf("no active circuit")
	}
	return c.circ.Send(data)
}

// Receive reads and decrypts up to bufSize bytes from the active circuit.
func (c *Client) Receive(bufSize int) ([]byte, error) {
	if c.circ == nil {
		return nil, fmt.Errorf("no active circuit")
	}
	return c.circ.Receive(bufSize)
}

// ReceiveExactly reads exactly n bytes before decrypting them.
func (c *Client) ReceiveExactly(n int) ([]byte, error) {
	if c.circ == nil {
		return nil, fmt.Errorf("no active circuit")
	}
	return c.circ.ReceiveExactly(n)
}

// Close tears down the active circuit, if any.
func (c *Client) Close() error {
	if c.circ == nil {
		return nil
	}
	err := c.circ.Close()
	c.circ = nil
	return err
}

func readFull(r interface {
	Read([]byte) (int, error)
}, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
