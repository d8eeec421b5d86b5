package workqueue

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// xorshiftRng is a xorshift64* generator, a fast non-cryptographic PRNG
// used for sampling candidate nonces. It is not safe for concurrent use;
// each worker owns its own instance.
type xorshiftRng struct {
	state uint64
}

// newXorshiftRng seeds the generator from the OS CSPRNG.
func newXorshiftRng() *xorshiftRng {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic("workqueue: failed to seed PRNG from system randomness: " + err.Error())
	}
	s := binary.LittleEndian.Uint64(seed[:])
	if s == 0 {
		s = 0x9e3779b97f4a7c15 // xorshift is undefined at the all-zero state
	}
	return &xorshiftRng{state: s}
}

func (r *xorshiftRng) next() uint64 {
	x := r.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	r.state = x
	return x * 0x2545F4914F6CDD1D
}

// nonce returns a random starting Nonce for the CPU worker's search chunk.
func (r *xorshiftRng) nonce() workpow.Nonce {
	var n workpow.Nonce
	binary.LittleEndian.PutUint64(n[:], r.next())
	return n
}

// attempt returns a random 64-bit GPU dispatch seed.
func (r *xorshiftRng) attempt() uint64 {
	return r.next()
}
