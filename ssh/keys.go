package ssh

// keys.go implements a facade over standard library package 'crypto/ed25519'
// for more ergonomic interactions with ED25519 public and private keys in the
// context of SSH connections.
//
// All keys begin life as a 'crypto/ed25519' key, then:
//   - for outbound connection message signing you'll need an 'ssh.Signer'
//   - for registering the public half with a cloud control plane you'll need
//     the OpenSSH ('authorized_keys') representation
//   - for persisting the private half to disk you'll need the OpenSSH PEM
//     representation

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen         = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPubKeyMarshal  = fmt.Errorf("failed to marshal the 'ssh.PublicKey' to OpenSSH format")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the private key to OpenSSH format")
	ErrPEMEncode      = fmt.Errorf("failed to PEM-encode the private key")
	ErrKeyParse       = fmt.Errorf("failed to parse SSH private key")
)

// Generates a 'crypto/ed25519' public+private key pair, as an 'ED25519KeyPair'.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public: ED25519PublicKey{
			key: pub,
		},
		Private: ED25519PrivateKey{
			key: priv,
		},
	}, nil
}

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

// Verifies signature hash 'sig' against signed message 'msg' using the ed25519
// public key.
func (pubKey ED25519PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(pubKey.key, msg, sig)
}

// Converts the 'ed25519.PublicKey' to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// Marshals the 'ed25519.PublicKey' to the OpenSSH ('authorized_keys') format.
func (pubKey ED25519PublicKey) MarshalOpenSSH() ([]byte, error) {
	publicKey, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	marshaled := ssh.MarshalAuthorizedKey(publicKey)
	if marshaled == nil {
		return nil, ErrPubKeyMarshal
	}
	return marshaled, nil
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// Signs a message with plain* ED25519 using the 'ed25519.PrivateKey'.
//
// * Plain means the message is not SHA-512 pre-hashed ('ed25519ph').
func (privKey ED25519PrivateKey) Sign(msg []byte) ([]byte, error) {
	return privKey.key.Sign(rand.Reader, msg, crypto.Hash(0))
}

// Marshals the 'ed25519.PrivateKey' to the OpenSSH PEM format.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string) ([]byte, error) {
	priv, err := ssh.MarshalPrivateKey(privKey.key, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	encoded := pem.EncodeToMemory(priv)
	if encoded == nil {
		return nil, ErrPEMEncode
	}
	return encoded, nil
}

// Converts the 'ed25519.PrivateKey' to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded OpenSSH
// format private key.
//
// Keys generated by this package are never passphrase-protected, so no
// encrypted-key parse is attempted.
func ParseKey(key []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}
	return signer, nil
}
