package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	Clamp(&priv)
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// DH computes the X25519 Diffie-Hellman shared secret.
func DH(priv, pub [32]byte) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// Clamp applies RFC 7748 clamping to an X25519 private key in place.
func Clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
