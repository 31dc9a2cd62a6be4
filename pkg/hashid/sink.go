// Package hashid implements the content hashing primitive (C1) and the
// identity engine (C6): the canonical byte streams that turn project
// entities into stable sourceid / buildid / chrootgroupid / environmentid
// strings.
package hashid

import (
	"crypto/sha1" //nolint:gosec // identity hash, not a security boundary
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Sink is a streaming append-then-finish hash. Append treats its argument
// as a raw byte sequence; no delimiter is inserted between calls, so
// callers hashing structured data must encode their own delimiters.
type Sink struct {
	h interface {
		Write([]byte) (int, error)
	}
	sum func() [20]byte
}

// NewSink starts a new SHA-1 sink.
func NewSink() *Sink {
	h := sha1.New() //nolint:gosec
	return &Sink{
		h: h,
		sum: func() [20]byte {
			var out [20]byte
			copy(out[:], h.Sum(nil))
			return out
		},
	}
}

// Append adds raw bytes to the sink and returns the sink for chaining.
func (s *Sink) Append(p []byte) *Sink {
	_, _ = s.h.Write(p) // hash.Hash.Write never errors
	return s
}

// AppendString is a convenience wrapper around Append.
func (s *Sink) AppendString(v string) *Sink {
	return s.Append([]byte(v))
}

// Finish returns the lowercase, 40-character hex digest. The sink has no
// error paths; Finish may be called at most once per sink.
func (s *Sink) Finish() string {
	sum := s.sum()
	return hex.EncodeToString(sum[:])
}

// Hex hashes a single byte slice and returns its hex digest in one call.
func Hex(p []byte) string {
	return NewSink().Append(p).Finish()
}

// QuickDigest returns a BLAKE3 hex digest of content. It is not part of
// the identity scheme in §4.6, and no other kiln package calls it.
func QuickDigest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
