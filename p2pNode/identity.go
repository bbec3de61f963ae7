package p2pnode

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/creachadair/atomicfile"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Supported identity key types.
const (
	KeyTypeEd25519 = "ed25519"
	KeyTypeRSA     = "rsa"
)

const rsaBits = 2048

// GenerateIdentity creates a fresh private key of the given type.
func GenerateIdentity(keyType string) (crypto.PrivKey, error) {
	var (
		priv crypto.PrivKey
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(keyType)) {
	case "", KeyTypeEd25519:
		priv, _, err = crypto.GenerateKeyPair(crypto.Ed25519, -1)
	case KeyTypeRSA:
		priv, _, err = crypto.GenerateKeyPair(crypto.RSA, rsaBits)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", keyType, err)
	}
	return priv, nil
}

// LoadOrCreateIdentity reads the key stored at path, creating and saving a
// new one when the file does not exist. An empty path yields an ephemeral key.
func LoadOrCreateIdentity(path, keyType string) (crypto.PrivKey, error) {
	if path == "" {
		return GenerateIdentity(keyType)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", path, err)
		}
		return priv, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	priv, err := GenerateIdentity(keyType)
	if err != nil {
		return nil, err
	}
	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if _, err := atomicfile.WriteAll(path, bytes.NewReader(raw), 0o600); err != nil {
		return nil, fmt.Errorf("write identity %s: %w", path, err)
	}
	return priv, nil
}
