package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps the secp256k1 key signing operator transactions.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the Ethereum account controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// ParsePrivateKeyHex decodes a hex encoded key with or without 0x prefix. The
// error never echoes the input.
func ParsePrivateKeyHex(value string) (*PrivateKey, error) {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errors.New("crypto: private key is not 32 bytes of hex")
	}
	return &PrivateKey{key}, nil
}

// SignerSource lists the places a signer key may come from. The first
// non-empty of Inline, Env, File and Keystore wins.
type SignerSource struct {
	Inline     string
	Env        string
	File       string
	Keystore   string
	Passphrase func() (string, error)
}

// LoadSigner resolves the signer key described by src.
func LoadSigner(src SignerSource) (*PrivateKey, error) {
	switch {
	case strings.TrimSpace(src.Inline) != "":
		return ParsePrivateKeyHex(src.Inline)
	case strings.TrimSpace(src.Env) != "":
		name := strings.TrimSpace(src.Env)
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("crypto: signer key env %s is empty", name)
		}
		return ParsePrivateKeyHex(value)
	case strings.TrimSpace(src.File) != "":
		contents, err := os.ReadFile(strings.TrimSpace(src.File))
		if err != nil {
			return nil, fmt.Errorf("crypto: read signer key file: %w", err)
		}
		return ParsePrivateKeyHex(string(contents))
	case strings.TrimSpace(src.Keystore) != "":
		if src.Passphrase == nil {
			return nil, errors.New("crypto: keystore requires a passphrase source")
		}
		passphrase, err := src.Passphrase()
		if err != nil {
			return nil, err
		}
		return LoadFromKeystore(strings.TrimSpace(src.Keystore), passphrase)
	default:
		return nil, errors.New("crypto: no signer key configured")
	}
}
