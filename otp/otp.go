// Package otp implements the wire constants and key-agreement primitives of
// the onion transport protocol (TPDP/0.1): the handshake literals, the
// error-byte taxonomy, and the X25519 + HKDF-SHA256 + AES-256-CTR crypto
// that circuit and relaynode build on.
package otp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HelloLine is the fixed 16-byte hello exchanged at H1/H2.
const HelloLine = "Hello TPDP/0.1\r\n"

// hkdfInfo is the HKDF info parameter used for session-key derivation.
const hkdfInfo = "TPDP/0.1"

const (
	HelloLen  = 16
	PubKeyLen = 32
	NonceLen  = 16
	AckLen    = 2
	EtbLen    = 2
)

// Ack and Etb are the fixed two-byte sentinels at H6/H9 and H11.
var (
	Ack = [AckLen]byte{0x06, 0x06}
	Etb = [EtbLen]byte{0x17, 0x17}
)

// ErrorCode is the one-byte handshake error taxonomy (§7).
type ErrorCode uint8

const (
	ErrTimeout                ErrorCode = 0x00
	ErrProtocol               ErrorCode = 0x01
	ErrDestinationConnection  ErrorCode = 0x02
	ErrUnspecified            ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case ErrTimeout:
		return "TIMEOUT"
	case ErrProtocol:
		return "PROTOCOL"
	case ErrDestinationConnection:
		return "DESTINATION_CONNECTION"
	default:
		return "UNSPECIFIED"
	}
}

// ParseErrorByte maps a raw wire byte to its ErrorCode, defaulting to
// ErrUnspecified for any value outside the defined taxonomy.
func ParseErrorByte(b byte) ErrorCode {
	switch b {
	case byte(ErrTimeout):
		return ErrTimeout
	case byte(ErrProtocol):
		return ErrProtocol
	case byte(ErrDestinationConnection):
		return ErrDestinationConnection
	default:
		return ErrUnspecified
	}
}

// HandshakeError is returned when a peer signals failure with a single error
// byte in place of an expected handshake step (§7).
type HandshakeError struct {
	Code ErrorCode
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("otp handshake error: %s", e.Code)
}

// GenerateKeypair draws a fresh X25519 keypair from crypto/rand.
func GenerateKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("compute public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// GenerateNonce draws the 16-byte CTR IV sent at H5.
func GenerateNonce() ([NonceLen]byte, error) {
	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// SharedSecret computes X25519(priv, peerPub); it is symmetric regardless of
// which side is the handshake initiator.
func SharedSecret(priv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 exchange: %w", err)
	}
	if isZero(shared) {
		return nil, fmt.Errorf("x25519 produced all-zeros point")
	}
	return shared, nil
}

// DeriveSessionKey runs HKDF-SHA256 over the shared secret with an empty
// salt and info="TPDP/0.1", producing the 32-byte AES-256 session key.
func DeriveSessionKey(shared []byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// NewHopCipher builds the two independent keystream generators for one hop:
// encryptor and decryptor share a key and IV but are distinct cipher.Stream
// instances, each starting at counter zero and advancing only on the bytes
// passed through it (§3 invariant 1, §9 "Cipher halves as two independent
// objects").
func NewHopCipher(key [32]byte, nonce [NonceLen]byte) (encryptor, decryptor cipher.Stream, err error) {
	encBlock, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher (encryptor): %w", err)
	}
	decBlock, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher (decryptor): %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce[:])
	return cipher.NewCTR(encBlock, iv), cipher.NewCTR(decBlock, iv), nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
