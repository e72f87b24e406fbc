package passphrase

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_VALUE", "correct horse")
	src := NewSource("PASSPHRASE_TEST_VALUE")
	value, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "correct horse" {
		t.Fatalf("unexpected passphrase %q", value)
	}
	t.Setenv("PASSPHRASE_TEST_VALUE", "changed")
	if again, _ := src.Get(); again != "correct horse" {
		t.Fatalf("expected cached passphrase, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_BLANK", "   ")
	if _, err := NewSource("PASSPHRASE_TEST_BLANK").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func TestSourceReadsFileVariant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	if err := os.WriteFile(path, []byte("from file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PASSPHRASE_TEST_FILE", path)
	value, err := NewSource("PASSPHRASE_TEST").Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "from file" {
		t.Fatalf("unexpected passphrase %q", value)
	}
}

func TestSourceFallsBackToTerminal(t *testing.T) {
	src := NewSource("PASSPHRASE_TEST_UNSET").WithPrompt("pass? ")
	var gotPrompt string
	src.readTerminal = func(prompt string) (string, error) {
		gotPrompt = prompt
		return "typed", nil
	}
	value, err := src.Get()
	if err != nil || value != "typed" {
		t.Fatalf("expected typed passphrase, got %q (%v)", value, err)
	}
	if gotPrompt != "pass? " {
		t.Fatalf("unexpected prompt %q", gotPrompt)
	}

	noTTY := NewSource("PASSPHRASE_TEST_UNSET")
	noTTY.readTerminal = func(string) (string, error) { return "", errNoTerminal }
	if _, err := noTTY.Get(); err == nil || !strings.Contains(err.Error(), "PASSPHRASE_TEST_UNSET_FILE") {
		t.Fatalf("expected guidance naming the env variables, got %v", err)
	}
}
