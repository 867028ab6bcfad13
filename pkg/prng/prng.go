// Package prng provides a seeded io.Reader for code that wants a
// "crypto" source but needs reproducible output, such as faker's UUIDs.
package prng

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
)

// Reader is a deterministic io.Reader backed by a math/rand RNG. It is safe
// for concurrent use.
type Reader struct {
	mu  sync.Mutex
	r   *rand.Rand
	buf [8]byte
	n   int // unread bytes left in buf
}

// New returns a deterministic reader seeded by seed.
func New(seed int64) io.Reader {
	return &Reader{r: rand.New(rand.NewSource(seed))}
}

// Read fills p with pseudorandom bytes. It never fails.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p {
		if r.n == 0 {
			binary.LittleEndian.PutUint64(r.buf[:], r.r.Uint64())
			r.n = len(r.buf)
		}
		p[i] = r.buf[len(r.buf)-r.n]
		r.n--
	}
	return len(p), nil
}
