// Package fingerprint derives fixed-length content identities from byte
// streams. The digest is xxhash64: fast, deterministic, and good enough for
// a non-adversarial cache key. Collisions are accepted residual risk; callers
// that face hostile inputs need a cryptographic hash and should not use this
// package.
package fingerprint

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a 64-bit content digest. The zero value is never produced
// for non-empty input seeds and must not be treated as a sentinel.
type Fingerprint uint64

// String renders the fingerprint as 16 lowercase hex characters, zero padded.
// This is the canonical on-disk and storage-key form.
func (f Fingerprint) String() string {
	const hexDigits = 16
	s := strconv.FormatUint(uint64(f), 16)
	if len(s) < hexDigits {
		pad := [hexDigits]byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'}
		copy(pad[hexDigits-len(s):], s)
		return string(pad[:])
	}
	return s
}

// Parse reverses String. Returns false for anything that is not 16 hex chars.
func Parse(s string) (Fingerprint, bool) {
	if len(s) != 16 {
		return 0, false
	}
	u, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return Fingerprint(u), true
}

// chunkSize bounds memory per in-flight computation and sets the cancellation
// granularity: ctx is checked between chunks, never mid-chunk.
const chunkSize = 64 * 1024

// Computer produces fingerprints, optionally isolated by a namespace so two
// cache flavors fed identical bytes still get distinct keys.
type Computer struct {
	ns string
}

// NewComputer returns a Computer. Namespace may be empty.
func NewComputer(namespace string) *Computer {
	return &Computer{ns: namespace}
}

// Compute streams r through the digest in fixed-size chunks. It never buffers
// the whole source. On ctx cancellation or a read error it returns without
// side effects; the partial digest state is discarded.
func (c *Computer) Compute(ctx context.Context, r io.Reader) (Fingerprint, error) {
	d := c.newDigest()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n]) // xxhash.Digest.Write cannot fail
		}
		if err == io.EOF {
			return Fingerprint(d.Sum64()), nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// ComputeFile opens path and fingerprints its contents.
func (c *Computer) ComputeFile(ctx context.Context, path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return c.Compute(ctx, f)
}

// ComputeBytes fingerprints an in-memory value. Used for identifier-keyed
// flavors (e.g. tile URLs) where the key source is small and already held.
func (c *Computer) ComputeBytes(b []byte) Fingerprint {
	d := c.newDigest()
	_, _ = d.Write(b)
	return Fingerprint(d.Sum64())
}

func (c *Computer) newDigest() *xxhash.Digest {
	d := xxhash.New()
	if c.ns != "" {
		// Namespace is folded into the stream as a length-prefixed header so
		// "ab"+"c" and "a"+"bc" cannot collide across namespaces.
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(c.ns)))
		_, _ = d.Write(l[:])
		_, _ = d.WriteString(c.ns)
	}
	return d
}
