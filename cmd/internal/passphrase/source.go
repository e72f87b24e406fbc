package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once and caches the result. Lookup
// order: the environment variable, a file named by <envVar>_FILE, then an
// interactive terminal prompt.
type Source struct {
	envVar string
	prompt string
	// readTerminal is replaced in tests.
	readTerminal func(prompt string) (string, error)

	once  sync.Once
	value string
	err   error
}

func NewSource(envVar string) *Source {
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		prompt:       "Enter keystore passphrase: ",
		readTerminal: promptTerminal,
	}
}

// WithPrompt overrides the terminal prompt.
func (s *Source) WithPrompt(prompt string) *Source {
	s.prompt = prompt
	return s
}

// Get returns the passphrase. Blank passphrases are rejected from every
// source.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
		if s.err == nil && strings.TrimSpace(s.value) == "" {
			s.value, s.err = "", errors.New("keystore passphrase cannot be empty")
		}
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
		fileVar := s.envVar + "_FILE"
		if path := strings.TrimSpace(os.Getenv(fileVar)); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", fileVar, err)
			}
			return strings.TrimRight(string(raw), "\r\n"), nil
		}
	}
	value, err := s.readTerminal(s.prompt)
	if errors.Is(err, errNoTerminal) && s.envVar != "" {
		return "", fmt.Errorf("keystore passphrase required; set %s or %s_FILE, or run interactively", s.envVar, s.envVar)
	}
	return value, err
}

var errNoTerminal = errors.New("keystore passphrase required and no terminal available")

func promptTerminal(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
