// Package workpow implements the proof-of-work search primitive: the
// BLAKE2b digest over a nonce and block root, and the big-endian
// comparison against a difficulty threshold.
package workpow

import (
	"golang.org/x/crypto/blake2b"

	"github.com/holiman/uint256"
)

// RootSize, NonceSize and ThresholdSize are the fixed widths of the three
// byte arrays the PoW protocol exchanges. Nonce and Root are concatenated
// nonce-first before hashing; the order is load-bearing.
const (
	RootSize      = 32
	NonceSize     = 8
	ThresholdSize = 32
	DigestSize    = 32
)

// Root is the 32-byte block hash the work is generated against.
type Root [RootSize]byte

// Nonce is the 8-byte value searched for, stored in the order it is fed to
// the hash (internal order). The wire encoding reverses these bytes; see
// httpapi for that transform.
type Nonce [NonceSize]byte

// Digest is the 32-byte BLAKE2b output, compared big-endian against a
// Threshold.
type Digest [DigestSize]byte

// Threshold is the 32-byte inclusive lower bound a Digest must meet.
type Threshold [ThresholdSize]byte

// Inc advances the nonce by one using little-endian byte-carry increment,
// the same scheme the CPU worker's inner loop uses to walk the search
// space without resampling a random start every iteration.
func (n *Nonce) Inc() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Reversed returns a copy of n with its bytes reversed, used to translate
// between the wire (external) byte order and the internal hash-input
// order.
func (n Nonce) Reversed() Nonce {
	var out Nonce
	for i, b := range n {
		out[NonceSize-1-i] = b
	}
	return out
}

var hasherPool = newHasherPool()

// Compute returns BLAKE2b-256(nonce ‖ root), in internal nonce order.
func Compute(root Root, nonce Nonce) Digest {
	h, put := hasherPool.get()
	defer put()
	h.Reset()
	h.Write(nonce[:])
	h.Write(root[:])
	var out Digest
	h.Sum(out[:0])
	return out
}

// GreaterOrEqual reports whether d, read as a big-endian 256-bit integer,
// is numerically >= t. Equality counts as valid.
func (d Digest) GreaterOrEqual(t Threshold) bool {
	dv := new(uint256.Int).SetBytes(d[:])
	tv := new(uint256.Int).SetBytes(t[:])
	return dv.Cmp(tv) >= 0
}

// Meets computes the digest for (root, nonce) and reports whether it
// satisfies threshold, returning both so callers can report the achieved
// digest back to clients.
func Meets(root Root, nonce Nonce, threshold Threshold) (valid bool, digest Digest) {
	digest = Compute(root, nonce)
	valid = digest.GreaterOrEqual(threshold)
	return valid, digest
}

// hasherPool amortizes blake2b.New256 allocation across the hot search
// loop; CPU workers call Compute on the order of 2^18 times per chunk.
type pool struct {
	free chan *blake2bState
}

type blake2bState struct {
	h interface {
		Reset()
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newHasherPool() *pool {
	return &pool{free: make(chan *blake2bState, 64)}
}

func (p *pool) get() (*blake2bState, func()) {
	select {
	case s := <-p.free:
		return s, func() { p.put(s) }
	default:
	}
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		// BLAKE2b-256 with no key is always a supported configuration;
		// failure here means the crypto library is broken.
		panic("workpow: blake2b init failed: " + err.Error())
	}
	s := &blake2bState{h: h}
	return s, func() { p.put(s) }
}

func (p *pool) put(s *blake2bState) {
	select {
	case p.free <- s:
	default:
	}
}
