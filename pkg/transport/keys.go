package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateHostKey produces a PEM-encoded ECDSA P-256 private key for the
// SSH side of the transport. A non-empty seed yields the same key every
// time, so a host's identity can be pinned in configuration instead of
// stored on disk; an empty seed generates a random key.
func GenerateHostKey(seed string) ([]byte, error) {
	var priv *ecdsa.PrivateKey
	var err error
	if seed == "" {
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		priv, err = seededECDSAKey(elliptic.P256(), []byte(seed))
	}
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("transport: cannot marshal host key: %s", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// FingerprintKey renders the colon-separated MD5 fingerprint of an SSH
// public key, the form users pin in agent configuration.
func FingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// seededECDSAKey derives a private key directly from the seeded stream.
// ecdsa.GenerateKey consumes its entropy source in ways that vary between
// Go releases, so the scalar is constructed here: oversampled bytes from
// the stream, reduced into [1, N-1].
func seededECDSAKey(curve elliptic.Curve, seed []byte) (*ecdsa.PrivateKey, error) {
	params := curve.Params()
	buf := make([]byte, (params.N.BitLen()+7)/8+16)
	if _, err := io.ReadFull(newSeededRand(seed), buf); err != nil {
		return nil, err
	}
	one := big.NewInt(1)
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, new(big.Int).Sub(params.N, one))
	d.Add(d, one)

	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// seedStretchRounds is the number of SHA-512 iterations applied to the seed
// before any output is produced.
const seedStretchRounds = 2048

// seededRand is a deterministic byte stream derived from a seed. Each
// SHA-512 block is split in half: one half chains into the next state, the
// other half is emitted.
type seededRand struct {
	state []byte
	out   []byte
}

func newSeededRand(seed []byte) io.Reader {
	state := seed
	var out []byte
	for i := 0; i < seedStretchRounds; i++ {
		state, out = splitHash(state)
	}
	return &seededRand{state: state, out: out}
}

func (s *seededRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		var out []byte
		s.state, out = splitHash(s.state)
		n += copy(b[n:], out)
	}
	return n, nil
}

func splitHash(input []byte) (state []byte, out []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}
