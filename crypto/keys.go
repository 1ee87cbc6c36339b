package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of an identity address.
type AddressPrefix string

// IdentityPrefix is used for every address the sidecar emits.
const IdentityPrefix AddressPrefix = "stk"

// Address is a 20-byte account identifier rendered as bech32.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps b under prefix. b must be 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	out := make([]byte, len(b))
	copy(out, b)
	return Address{prefix: prefix, bytes: out}, nil
}

func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, len(a.bytes))
	copy(out, a.bytes)
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 identity address.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// Keypair is the secp256k1 identity the sidecar signs with.
type Keypair struct {
	priv *ecdsa.PrivateKey
}

// GenerateKeypair creates a fresh random identity.
func GenerateKeypair() (*Keypair, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: key}, nil
}

// KeypairFromBytes loads a raw 32-byte secp256k1 private key.
func KeypairFromBytes(b []byte) (*Keypair, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: key}, nil
}

// KeypairFromHex loads a hex encoded private key, with or without a 0x prefix.
func KeypairFromHex(raw string) (*Keypair, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return KeypairFromBytes(b)
}

// Bytes returns the raw private key.
func (k *Keypair) Bytes() []byte {
	return crypto.FromECDSA(k.priv)
}

// PublicKey returns the uncompressed public key bytes.
func (k *Keypair) PublicKey() []byte {
	return crypto.FromECDSAPub(&k.priv.PublicKey)
}

// Address derives the identity address of the keypair.
func (k *Keypair) Address() Address {
	addr, _ := NewAddress(IdentityPrefix, crypto.PubkeyToAddress(k.priv.PublicKey).Bytes())
	return addr
}

// Sign produces a 65-byte recoverable signature over keccak256(message).
func (k *Keypair) Sign(message []byte) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, errors.New("crypto: keypair not loaded")
	}
	return crypto.Sign(crypto.Keccak256(message), k.priv)
}

// Verify reports whether sig was produced over message by the holder of pub.
func Verify(pub, message, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	return crypto.VerifySignature(pub, crypto.Keccak256(message), sig[:64])
}

// RecoverAddress returns the identity address that produced sig over message.
func RecoverAddress(message, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(crypto.Keccak256(message), sig)
	if err != nil {
		return Address{}, err
	}
	return NewAddress(IdentityPrefix, crypto.PubkeyToAddress(*pub).Bytes())
}
