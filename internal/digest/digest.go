// Package digest computes and parses content digests.
//
// A digest is written as "<algorithm>:<hex>", for example
// "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824".
// Both supported algorithms produce 32-byte sums, so the hex part is
// always 64 characters long.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/aweris/cabs/internal/errkind"
)

// Algorithm names a hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Canonical is the default algorithm.
const Canonical = SHA256

const hexLen = 64

// Available reports whether the algorithm is supported.
func (a Algorithm) Available() bool {
	return a == SHA256 || a == BLAKE3
}

func (a Algorithm) hasher() hash.Hash {
	switch a {
	case BLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

// ParseAlgorithm accepts "sha256" or "blake3".
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if !a.Available() {
		return "", errkind.New(errkind.Configuration, "unknown digest algorithm %q", s)
	}
	return a, nil
}

// Digest identifies content by its hash.
type Digest string

// New builds a digest from an algorithm and raw sum.
func New(alg Algorithm, sum []byte) Digest {
	return Digest(string(alg) + ":" + hex.EncodeToString(sum))
}

// Parse validates s and returns it as a Digest.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// Validate checks the algorithm prefix and the hex encoding.
func (d Digest) Validate() error {
	alg, enc, ok := strings.Cut(string(d), ":")
	if !ok {
		return fmt.Errorf("digest %q: missing algorithm prefix", string(d))
	}
	if !Algorithm(alg).Available() {
		return fmt.Errorf("digest %q: unsupported algorithm %q", string(d), alg)
	}
	if len(enc) != hexLen {
		return fmt.Errorf("digest %q: hex part is %d chars, want %d", string(d), len(enc), hexLen)
	}
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return fmt.Errorf("digest %q: invalid hex character %q", string(d), c)
		}
	}
	return nil
}

// Algorithm returns the algorithm prefix.
func (d Digest) Algorithm() Algorithm {
	alg, _, _ := strings.Cut(string(d), ":")
	return Algorithm(alg)
}

// Hex returns the encoded sum without the prefix.
func (d Digest) Hex() string {
	_, enc, _ := strings.Cut(string(d), ":")
	return enc
}

func (d Digest) String() string { return string(d) }

// FromBytes hashes b.
func FromBytes(alg Algorithm, b []byte) Digest {
	h := alg.hasher()
	h.Write(b)
	return New(alg, h.Sum(nil))
}

// FromReader hashes everything read from r.
func FromReader(alg Algorithm, r io.Reader) (Digest, int64, error) {
	c := NewComputer(alg)
	n, err := io.Copy(c, r)
	if err != nil {
		return "", n, err
	}
	return c.Digest(), n, nil
}

// Computer hashes bytes as they are written. It is an io.Writer so it can
// sit on one side of an io.MultiWriter while the other side spools to disk.
type Computer struct {
	alg  Algorithm
	h    hash.Hash
	size int64
}

// NewComputer returns a Computer for alg.
func NewComputer(alg Algorithm) *Computer {
	return &Computer{alg: alg, h: alg.hasher()}
}

func (c *Computer) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.size += int64(n)
	return n, err
}

// Size is the number of bytes hashed so far.
func (c *Computer) Size() int64 { return c.size }

// Digest returns the digest of the bytes written so far.
func (c *Computer) Digest() Digest {
	return New(c.alg, c.h.Sum(nil))
}

// Verifier checks a stream against an expected digest.
type Verifier struct {
	want Digest
	c    *Computer
}

// NewVerifier returns a Verifier for want.
func NewVerifier(want Digest) *Verifier {
	return &Verifier{want: want, c: NewComputer(want.Algorithm())}
}

func (v *Verifier) Write(p []byte) (int, error) { return v.c.Write(p) }

// Verified reports whether the bytes written so far hash to the expected digest.
func (v *Verifier) Verified() bool {
	return v.c.Digest() == v.want
}

// Size returns the number of bytes written so far.
func (v *Verifier) Size() int64 { return v.c.Size() }
