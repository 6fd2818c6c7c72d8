package circuit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/daphne-net/otp-go/otp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResponder plays the relay side of one H1-H11 handshake on conn,
// returning the destination host/port it decrypted so the test can assert
// on it. It mirrors relaynode's otpService.handshake without depending on
// that package, keeping circuit's tests self-contained.
func fakeResponder(t *testing.T, conn net.Conn) (destHost string, destPort uint16) {
	t.Helper()

	hello := readN(t, conn, otp.HelloLen)
	if string(hello) != otp.HelloLine {
		t.Fatalf("unexpected hello: %q", hello)
	}
	writeN(t, conn, []byte(otp.HelloLine))

	initPub := readN(t, conn, otp.PubKeyLen)
	var initiatorPub [32]byte
	copy(initiatorPub[:], initPub)

	priv, pub, err := otp.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	writeN(t, conn, pub[:])

	nonceBytes := readN(t, conn, otp.NonceLen)
	var nonce [otp.NonceLen]byte
	copy(nonce[:], nonceBytes)

	shared, err := otp.SharedSecret(priv, initiatorPub)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	key, err := otp.DeriveSessionKey(shared)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	_, dec, err := otp.NewHopCipher(key, nonce)
	if err != nil {
		t.Fatalf("new hop cipher: %v", err)
	}

	writeN(t, conn, otp.Ack[:])

	lenBytes := readN(t, conn, 2)
	hostLen := binary.BigEndian.Uint16(lenBytes)

	encHost := readN(t, conn, int(hostLen))
	hostBytes := make([]byte, len(encHost))
	dec.XORKeyStream(hostBytes, encHost)

	writeN(t, conn, otp.Ack[:])

	encPort := readN(t, conn, 2)
	portBytes := make([]byte, 2)
	dec.XORKeyStream(portBytes, encPort)

	writeN(t, conn, otp.Etb[:])

	return string(hostBytes), binary.BigEndian.Uint16(portBytes)
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func writeN(t *testing.T, conn net.Conn, p []byte) {
	t.Helper()
	if err := writeFull(conn, p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestExtendFirstHop(t *testing.T) {
	clientConn, relayConn := net.Pipe()
	defer clientConn.Close()
	defer relayConn.Close()

	circ := &Circuit{conn: clientConn, logger: testLogger()}

	done := make(chan struct{})
	var gotHost string
	var gotPort uint16
	go func() {
		defer close(done)
		gotHost, gotPort = fakeResponder(t, relayConn)
	}()

	ctx := context.Background()
	if err := circ.Extend(ctx, "127.0.0.3", 9000, 2*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	<-done

	if gotHost != "127.0.0.3" || gotPort != 9000 {
		t.Fatalf("responder decrypted dest = %s:%d, want 127.0.0.3:9000", gotHost, gotPort)
	}
	if circ.HopCount() != 1 {
		t.Fatalf("hop count = %d, want 1", circ.HopCount())
	}
}

func TestExtendBadHello(t *testing.T) {
	clientConn, relayConn := net.Pipe()
	defer clientConn.Close()
	defer relayConn.Close()

	circ := &Circuit{conn: clientConn, logger: testLogger()}

	go func() {
		buf := make([]byte, otp.HelloLen)
		_, _ = io.ReadFull(relayConn, buf)
		// Respond like a relay rejecting a bad hello (S3): single PROTOCOL
		// error byte, then close.
		_, _ = relayConn.Write([]byte{byte(otp.ErrProtocol)})
		_ = relayConn.Close()
	}()

	ctx := context.Background()
	err := circ.Extend(ctx, "dest", 1, 2*time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var hsErr *otp.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected *otp.HandshakeError, got %v (%T)", err, err)
	}
	if hsErr.Code != otp.ErrProtocol {
		t.Fatalf("error code = %v, want PROTOCOL", hsErr.Code)
	}
}

func TestSendReceiveRoundTripNoHops(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	circ := &Circuit{conn: clientConn, logger: testLogger()}

	go func() {
		buf := make([]byte, 4)
		_, _ = io.ReadFull(peerConn, buf)
		_, _ = peerConn.Write(buf)
	}()

	if err := circ.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := circ.ReceiveExactly(4)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("got %q, want %q", got, "ping")
	}
}

func TestLayeredCodecRoundTripMultiHop(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	circ := &Circuit{conn: clientConn, logger: testLogger()}

	// Install three hops directly (bypassing the handshake) to test the
	// layered send/receive codec in isolation (§8 invariant 1).
	var mirrors []*Hop
	for i := 0; i < 3; i++ {
		var key [32]byte
		var nonce [otp.NonceLen]byte
		key[0] = byte(i + 1)
		nonce[0] = byte(i + 10)
		enc, dec, err := otp.NewHopCipher(key, nonce)
		if err != nil {
			t.Fatalf("hop cipher: %v", err)
		}
		circ.hops = append(circ.hops, &Hop{Encryptor: enc, Decryptor: dec})

		// Mirror pair simulating what each relay would hold: its own
		// decryptor mirrors the client's encryptor and vice versa.
		mEnc, mDec, err := otp.NewHopCipher(key, nonce)
		if err != nil {
			t.Fatalf("mirror cipher: %v", err)
		}
		mirrors = append(mirrors, &Hop{Encryptor: mEnc, Decryptor: mDec})
	}

	payload := []byte("arbitrary payload spanning a chunk boundary of some kind")

	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(peerConn, buf); err != nil {
			return
		}
		// Peel each relay's layer in hop order (nearest first), as each
		// relay would on the way out to the destination.
		for _, m := range mirrors {
			m.Decryptor.XORKeyStream(buf, buf)
		}
		if !bytes.Equal(buf, payload) {
			panic("relay-side view does not match original plaintext")
		}
		// Re-wrap in reverse order (farthest first) for the return trip.
		for i := len(mirrors) - 1; i >= 0; i-- {
			mirrors[i].Encryptor.XORKeyStream(buf, buf)
		}
		_, _ = peerConn.Write(buf)
	}()

	if err := circ.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := circ.ReceiveExactly(len(payload))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}
