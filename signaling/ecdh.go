package signaling

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// x25519Base computes the X25519 public key for a 32-byte scalar.
func x25519Base(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// sharedSecret computes the X25519 shared secret for (priv, peerPub).
func sharedSecret(priv, peerPub []byte) ([]byte, error) {
	return curve25519.X25519(priv, peerPub)
}

// readFull is a tiny io.ReadFull wrapper kept local so engine.go doesn't
// need to import "io" just for key derivation.
func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
