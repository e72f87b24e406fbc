package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

func TestParseAccountRoundTrip(t *testing.T) {
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{0x42}, 20))

	encoded := FormatAccount(raw)
	if !strings.HasPrefix(encoded, "esc1") {
		t.Fatalf("expected esc1 prefix, got %s", encoded)
	}
	parsed, err := ParseAccount(encoded)
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	if parsed != raw {
		t.Fatalf("bech32 round trip mismatch")
	}

	parsed, err = ParseAccount("0x" + strings.Repeat("42", 20))
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if parsed != raw {
		t.Fatalf("hex parse mismatch")
	}
}

func TestParseAccountRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"short hex": "0x1234",
		"bad hex":   "0x" + strings.Repeat("zz", 20),
		"garbage":   "not-an-address",
		"wrong hrp": MustNewAddress(AddressPrefix("btc"), bytes.Repeat([]byte{1}, 20)).String(),
		"zero":      "0x" + strings.Repeat("00", 20),
	}
	for name, input := range cases {
		if _, err := ParseAccount(input); err == nil {
			t.Fatalf("%s: expected error for %q", name, input)
		}
	}
	if _, err := ParseAccount("0x" + strings.Repeat("00", 20)); !errors.Is(err, ErrZeroAccount) {
		t.Fatalf("expected ErrZeroAccount, got %v", err)
	}
}

func TestKeystoreAccount(t *testing.T) {
	keystoreScryptN, keystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "client.json")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	account, err := KeystoreAccount(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if account != key.PubKey().Address().Account() {
		t.Fatalf("account mismatch")
	}
	if _, err := KeystoreAccount(path, "wrong"); err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
}

func TestSaveToKeystoreOverwrites(t *testing.T) {
	keystoreScryptN, keystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	path := filepath.Join(t.TempDir(), "key.json")
	var last [20]byte
	for i := 0; i < 2; i++ {
		key, err := GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := SaveToKeystore(path, key, "pw"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		last = key.PubKey().Address().Account()
	}
	account, err := KeystoreAccount(path, "pw")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if account != last {
		t.Fatalf("expected the second key to replace the first")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected keystore permissions %v", info.Mode().Perm())
	}
	if err := SaveToKeystore(path, nil, "pw"); err == nil {
		t.Fatalf("expected nil key to be rejected")
	}
}
