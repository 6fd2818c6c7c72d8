// Package pathselect picks N distinct relays uniformly at random from a
// pool index's advertised set, using a cryptographically strong RNG
// (§9 "Randomness").
package pathselect

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/daphne-net/otp-go/poolindex"
)

// ErrInsufficientRelays is returned when fewer than N relays are available
// (§4.3 "requires |RelayList| >= N; otherwise fails with INSUFFICIENT_RELAYS").
var ErrInsufficientRelays = errors.New("pathselect: insufficient relays")

// Choose selects n distinct relays from relays, uniformly at random and
// without replacement, via a Fisher-Yates partial shuffle driven by
// crypto/rand. Unlike the teacher's bandwidth-weighted selection, this
// protocol's RelayRecord carries no bandwidth or flag data to weight by
// (§3 Data Model), so sampling is uniform.
func Choose(relays []poolindex.RelayRecord, n int) ([]poolindex.RelayRecord, error) {
	if len(relays) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientRelays, len(relays), n)
	}

	pool := make([]poolindex.RelayRecord, len(relays))
	copy(pool, relays)

	for i := 0; i < n; i++ {
		j, err := randIntn(len(pool) - i)
		if err != nil {
			return nil, fmt.Errorf("crypto/rand: %w", err)
		}
		k := i + j
		pool[i], pool[k] = pool[k], pool[i]
	}
	return pool[:n], nil
}

func randIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
