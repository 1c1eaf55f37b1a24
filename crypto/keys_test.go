package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

const sampleKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParsePrivateKeyHex(t *testing.T) {
	plain, err := ParsePrivateKeyHex(sampleKeyHex)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	prefixed, err := ParsePrivateKeyHex("  0x" + sampleKeyHex + "\n")
	if err != nil {
		t.Fatalf("parse prefixed: %v", err)
	}
	if plain.Address() != prefixed.Address() {
		t.Fatalf("prefix changed the address")
	}
	if want := "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"; plain.Address().Hex() != want {
		t.Fatalf("address: got %s want %s", plain.Address().Hex(), want)
	}

	_, err = ParsePrivateKeyHex("zz" + sampleKeyHex[2:])
	if err == nil {
		t.Fatalf("expected malformed key to fail")
	}
	if strings.Contains(err.Error(), sampleKeyHex[2:]) {
		t.Fatalf("error leaks key material: %v", err)
	}
}

func TestLoadSignerSources(t *testing.T) {
	want, err := ParsePrivateKeyHex(sampleKeyHex)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	t.Setenv("SALED_TEST_SIGNER", "0x"+sampleKeyHex)
	fromEnv, err := LoadSigner(SignerSource{Env: "SALED_TEST_SIGNER"})
	if err != nil || fromEnv.Address() != want.Address() {
		t.Fatalf("env signer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "signer.hex")
	if err := os.WriteFile(path, []byte(sampleKeyHex+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	fromFile, err := LoadSigner(SignerSource{File: path})
	if err != nil || fromFile.Address() != want.Address() {
		t.Fatalf("file signer: %v", err)
	}

	t.Setenv("SALED_TEST_EMPTY", "")
	if _, err := LoadSigner(SignerSource{Env: "SALED_TEST_EMPTY"}); err == nil {
		t.Fatalf("expected empty env to fail")
	}
	if _, err := LoadSigner(SignerSource{}); err == nil {
		t.Fatalf("expected missing signer to fail")
	}
	if _, err := LoadSigner(SignerSource{Keystore: path}); err == nil {
		t.Fatalf("expected keystore without passphrase source to fail")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { scryptN, scryptP = keystore.StandardScryptN, keystore.StandardScryptP })

	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("keystore mode %v", info.Mode().Perm())
	}

	addr, err := KeystoreAddress(path)
	if err != nil || addr != key.Address() {
		t.Fatalf("keystore address: %s %v", addr.Hex(), err)
	}

	loaded, err := LoadSigner(SignerSource{Keystore: path, Passphrase: func() (string, error) { return "correct horse", nil }})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("loaded a different key")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
