package relaynode

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/daphne-net/otp-go/otp"
)

// serviceState is the otpService lifecycle (§4.2).
type serviceState int

const (
	stateInit serviceState = iota
	stateHandshaked
	stateRouting
	stateClosed
)

// otpService is created once per accepted connection. It performs the OTP
// handshake with its predecessor, dials the next hop, and — once routing —
// runs two forwarders sharing no mutable state: one uses only the
// decryptor, the other only the encryptor (§3 invariant 5, §5).
type otpService struct {
	predecessor net.Conn
	successor   net.Conn

	encryptor cipher.Stream // route phase only (successor -> predecessor)
	decryptor cipher.Stream // handshake H8/H10 + route phase (predecessor -> successor)

	handshakeTimeout time.Duration
	segmentSize      int
	logger           *slog.Logger

	state     serviceState
	closeOnce sync.Once
}

func (s *otpService) run() {
	defer s.closeBoth()

	destHost, destPort, err := s.handshake()
	if err != nil {
		s.logger.Debug("handshake failed", "error", err, "remote", s.predecessor.RemoteAddr())
		return
	}
	s.state = stateHandshaked

	dest := net.JoinHostPort(destHost, fmt.Sprintf("%d", destPort))
	conn, err := net.DialTimeout("tcp", dest, s.handshakeTimeout)
	if err != nil {
		s.logger.Warn("next-hop connect failed", "dest", dest, "error", err)
		s.sendErrorByte(otp.ErrDestinationConnection)
		return
	}
	s.successor = conn

	if err := s.writeToPredecessor(otp.Etb[:]); err != nil {
		s.logger.Debug("send etb failed", "error", err)
		return
	}
	s.state = stateRouting
	s.logger.Info("routing established", "dest", dest)

	s.route()
}

// handshake runs H1-H10 as the responder. It returns the decrypted
// destination host/port on success; run sends the H11 ETB once the next hop
// is dialled.
func (s *otpService) handshake() (string, uint16, error) {
	hello, err := s.readExactly(s.predecessor, otp.HelloLen)
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	if string(hello) != otp.HelloLine {
		s.sendErrorByte(otp.ErrProtocol)
		return "", 0, fmt.Errorf("bad hello %q", hello)
	}
	if err := s.writeToPredecessor([]byte(otp.HelloLine)); err != nil {
		return "", 0, err
	}

	initiatorPubBytes, err := s.readExactly(s.predecessor, otp.PubKeyLen)
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	var initiatorPub [32]byte
	copy(initiatorPub[:], initiatorPubBytes)

	priv, pub, err := otp.GenerateKeypair()
	if err != nil {
		return "", 0, fmt.Errorf("generate keypair: %w", err)
	}
	if err := s.writeToPredecessor(pub[:]); err != nil {
		return "", 0, err
	}

	nonceBytes, err := s.readExactly(s.predecessor, otp.NonceLen)
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	var nonce [otp.NonceLen]byte
	copy(nonce[:], nonceBytes)

	shared, err := otp.SharedSecret(priv, initiatorPub)
	if err != nil {
		s.sendErrorByte(otp.ErrProtocol)
		return "", 0, fmt.Errorf("shared secret: %w", err)
	}
	key, err := otp.DeriveSessionKey(shared)
	if err != nil {
		return "", 0, fmt.Errorf("derive key: %w", err)
	}
	encryptor, decryptor, err := otp.NewHopCipher(key, nonce)
	if err != nil {
		return "", 0, fmt.Errorf("init cipher: %w", err)
	}
	s.encryptor = encryptor
	s.decryptor = decryptor

	if err := s.writeToPredecessor(otp.Ack[:]); err != nil {
		return "", 0, err
	}

	lenBytes, err := s.readExactly(s.predecessor, 2) // H7, plaintext (§9 OQ2)
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	hostLen := binary.BigEndian.Uint16(lenBytes)

	encHost, err := s.readExactly(s.predecessor, int(hostLen)) // H8
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	hostBytes := make([]byte, len(encHost))
	s.decryptor.XORKeyStream(hostBytes, encHost)

	if err := s.writeToPredecessor(otp.Ack[:]); err != nil {
		return "", 0, err
	}

	encPort, err := s.readExactly(s.predecessor, 2) // H10
	if err != nil {
		return "", 0, s.timeoutOrClose(err)
	}
	portBytes := make([]byte, 2)
	s.decryptor.XORKeyStream(portBytes, encPort)
	port := binary.BigEndian.Uint16(portBytes)

	return string(hostBytes), port, nil
}

// route runs the two forwarders of §4.2/§5 until either side EOFs, then
// idempotently closes both sockets.
func (s *otpService) route() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.forward(s.predecessor, s.successor, s.decryptor)
	}()
	go func() {
		defer wg.Done()
		s.forward(s.successor, s.predecessor, s.encryptor)
	}()

	wg.Wait()
}

// forward copies bytes from src to dst, applying stream to each chunk, in
// segments of at most segmentSize bytes (§4.1 route phase). It owns only
// this one cipher.Stream — the other forwarder owns the other half — so
// there is no contention on cipher state (§3 invariant 5).
func (s *otpService) forward(src, dst net.Conn, stream cipher.Stream) {
	buf := make([]byte, s.segmentSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			stream.XORKeyStream(chunk, chunk)
			if werr := writeAll(dst, chunk); werr != nil {
				s.closeBoth()
				return
			}
		}
		if err != nil {
			s.closeBoth()
			return
		}
	}
}

func (s *otpService) closeBoth() {
	s.closeOnce.Do(func() {
		s.state = stateClosed
		if s.predecessor != nil {
			_ = s.predecessor.Close()
		}
		if s.successor != nil {
			_ = s.successor.Close()
		}
	})
}

func (s *otpService) writeToPredecessor(p []byte) error {
	return writeAll(s.predecessor, p)
}

func (s *otpService) sendErrorByte(code otp.ErrorCode) {
	_, _ = s.predecessor.Write([]byte{byte(code)})
}

// readExactly applies the per-step handshake timeout and reads exactly n
// bytes (§4.2 "Handshake timeout... applies independently to each receive
// step").
func (s *otpService) readExactly(conn net.Conn, n int) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	return buf, err
}

// timeoutOrClose classifies a handshake read failure: a deadline expiry
// sends TIMEOUT; EOF, a short read ending in EOF, or a closed connection
// sends nothing, since the predecessor is gone; any other failure (e.g. a
// reset) sends PROTOCOL, matching §7's error taxonomy (connection-
// establishment errors are handled separately, after H10).
func (s *otpService) timeoutOrClose(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.sendErrorByte(otp.ErrTimeout)
		return fmt.Errorf("handshake step timed out: %w", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("handshake step ended early: %w", err)
	}
	s.sendErrorByte(otp.ErrProtocol)
	return fmt.Errorf("handshake step failed: %w", err)
}

func writeAll(w net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
