package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// KeystoreParams selects the scrypt cost used when sealing a keystore.
type KeystoreParams struct {
	ScryptN int
	ScryptP int
}

var (
	// StandardKeystore matches the cost used by production wallets.
	StandardKeystore = KeystoreParams{ScryptN: keystore.StandardScryptN, ScryptP: keystore.StandardScryptP}
	// LightKeystore is cheap to open and only suitable for tests and local networks.
	LightKeystore = KeystoreParams{ScryptN: keystore.LightScryptN, ScryptP: keystore.LightScryptP}
)

// SaveKeystore seals the keypair into an Ethereum v3 keystore file at path.
// The parent directory is created with 0700 permissions when missing.
func SaveKeystore(path string, key *Keypair, passphrase string, params KeystoreParams) error {
	if key == nil || key.priv == nil {
		return errors.New("crypto: nil keypair")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	sealed, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.priv.PublicKey),
		PrivateKey: key.priv,
	}, passphrase, params.ScryptN, params.ScryptP)
	if err != nil {
		return fmt.Errorf("crypto: seal keystore: %w", err)
	}
	return os.WriteFile(path, sealed, 0o600)
}

// LoadKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadKeystore(path, passphrase string) (*Keypair, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: open keystore: %w", err)
	}
	return &Keypair{priv: decrypted.PrivateKey}, nil
}
