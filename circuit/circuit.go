// Package circuit implements the client-side half of the onion transport
// protocol: an ordered stack of per-hop ciphers over a single TCP stream to
// the nearest hop, circuit extension by tunnelling a fresh handshake through
// already-established hops, and the layered send/receive codec.
package circuit

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/daphne-net/otp-go/otp"
)

// Hop holds one hop's independent encryptor/decryptor keystreams (§3
// invariant 1). Both are constructed from the same key and IV but never
// share counter state.
type Hop struct {
	Encryptor cipher.Stream
	Decryptor cipher.Stream
}

// Circuit is an ordered chain of Hops over a single TCP connection to the
// nearest hop. Hops[0] is nearest the client, Hops[len-1] is farthest.
type Circuit struct {
	wmu sync.Mutex // guards conn writes and Hop.Encryptor state
	rmu sync.Mutex // guards conn reads and Hop.Decryptor state

	conn   net.Conn
	hops   []*Hop
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the raw TCP connection to the first hop. The circuit has zero
// hops until Extend is called; the first Extend call performs hop 1's
// handshake directly on the wire (no tunnel layer), and every later Extend
// call performs the identical handshake tunnelled through the hops already
// installed.
func Dial(addr string, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Circuit{conn: conn, logger: logger}, nil
}

// Extend adds one hop to the circuit by running the full H1-H11 handshake
// (§4.1) through the existing hop stack. For a zero-hop circuit this is a
// plain, untunnelled handshake with the first hop; for a k-hop circuit it is
// the circuit-extension mechanism of §4.1 "Circuit extension (tunneling)".
func (c *Circuit) Extend(ctx context.Context, destHost string, destPort uint16, timeout time.Duration) error {
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.Send([]byte(otp.HelloLine)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	helloIn, err := c.ReceiveExactly(otp.HelloLen)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if string(helloIn) != otp.HelloLine {
		return fmt.Errorf("hop sent unexpected hello %q", helloIn)
	}

	priv, pub, err := otp.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	if err := c.Send(pub[:]); err != nil {
		return fmt.Errorf("send pubkey: %w", err)
	}

	peerPubBytes, err := c.ReceiveExactly(otp.PubKeyLen)
	if err != nil {
		return fmt.Errorf("read peer pubkey: %w", err)
	}
	var peerPub [32]byte
	copy(peerPub[:], peerPubBytes)

	nonce, err := otp.GenerateNonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	if err := c.Send(nonce[:]); err != nil {
		return fmt.Errorf("send nonce: %w", err)
	}

	ack1, err := c.ReceiveExactly(otp.AckLen)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack1[0] != otp.Ack[0] || ack1[1] != otp.Ack[1] {
		return fmt.Errorf("expected ACK, got %x", ack1)
	}

	shared, err := otp.SharedSecret(priv, peerPub)
	if err != nil {
		return fmt.Errorf("shared secret: %w", err)
	}
	key, err := otp.DeriveSessionKey(shared)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	hopEnc, hopDec, err := otp.NewHopCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("init hop cipher: %w", err)
	}

	hostBytes := []byte(destHost)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(hostBytes)))
	if err := c.Send(lenBuf[:]); err != nil { // H7 — plaintext length (§9 OQ2)
		return fmt.Errorf("send dest length: %w", err)
	}

	encHost := make([]byte, len(hostBytes))
	hopEnc.XORKeyStream(encHost, hostBytes)
	if err := c.Send(encHost); err != nil { // H8
		return fmt.Errorf("send dest host: %w", err)
	}

	ack2, err := c.ReceiveExactly(otp.AckLen)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack2[0] != otp.Ack[0] || ack2[1] != otp.Ack[1] {
		return fmt.Errorf("expected ACK, got %x", ack2)
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], destPort)
	encPort := make([]byte, 2)
	hopEnc.XORKeyStream(encPort, portBuf[:])
	if err := c.Send(encPort); err != nil { // H10
		return fmt.Errorf("send dest port: %w", err)
	}

	etb, err := c.ReceiveExactly(otp.EtbLen) // H11
	if err != nil {
		return fmt.Errorf("read etb: %w", err)
	}
	if etb[0] != otp.Etb[0] || etb[1] != otp.Etb[1] {
		return fmt.Errorf("expected ETB, got %x", etb)
	}

	c.wmu.Lock()
	c.rmu.Lock()
	c.hops = append(c.hops, &Hop{Encryptor: hopEnc, Decryptor: hopDec})
	c.rmu.Unlock()
	c.wmu.Unlock()

	c.logger.Info("circuit extended", "hop", len(c.hops), "dest", fmt.Sprintf("%s:%d", destHost, destPort))
	return nil
}

// Send encrypts data through the hop stack farthest-first (so the outermost
// layer peels at hop 1) and writes it to the first-hop socket (§3 invariant 2).
func (c *Circuit) Send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	for i := len(c.hops) - 1; i >= 0; i-- {
		c.hops[i].Encryptor.XORKeyStream(buf, buf)
	}
	return writeFull(c.conn, buf)
}

// Receive performs one read of up to bufSize bytes and decrypts them through
// the hop stack nearest-first (§3 invariant 2). Only when that single read
// returns exactly one byte together with an error is the byte classified per
// §4.3 "Error propagation on receive" and returned as an *otp.HandshakeError;
// a lone byte whose EOF is reported by a later read is returned as data.
func (c *Circuit) Receive(bufSize int) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	raw := make([]byte, bufSize)
	n, err := c.conn.Read(raw)
	raw = raw[:n]
	for _, hop := range c.hops {
		hop.Decryptor.XORKeyStream(raw, raw)
	}
	if err != nil {
		if n == 1 {
			return nil, &otp.HandshakeError{Code: otp.ParseErrorByte(raw[0])}
		}
		return raw, fmt.Errorf("receive: %w", err)
	}
	return raw, nil
}

// ReceiveExactly reads exactly n bytes before decrypting through the hop
// stack. A short read terminated by EOF with exactly one byte received is
// classified as a handshake error byte (§4.3); this is also how a relay's
// DESTINATION_CONNECTION error raised mid-Extend surfaces at the client, each
// intermediate hop having re-encrypted it exactly once on the way back.
func (c *Circuit) ReceiveExactly(n int) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	buf := make([]byte, n)
	read, err := io.ReadFull(c.conn, buf)
	decrypted := buf[:read]
	for _, hop := range c.hops {
		hop.Decryptor.XORKeyStream(decrypted, decrypted)
	}
	if err != nil {
		if read == 1 {
			return nil, &otp.HandshakeError{Code: otp.ParseErrorByte(decrypted[0])}
		}
		return nil, fmt.Errorf("receive exactly %d: %w", n, err)
	}
	return decrypted, nil
}

// Close idempotently tears down the underlying TCP connection. Closing from
// the client cancels both relay forwarders at every hop via FIN propagation.
func (c *Circuit) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// HopCount reports the number of established hops.
func (c *Circuit) HopCount() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return len(c.hops)
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
