// Package rendezvous implements the local discovery/authentication file
// (§4.7, §6): a well-known "info.txt" carrying (port, secret), plus a
// sibling ".trigger" file used to signal readiness to watchers.
//
// Go has no portable "delete-on-close + share-delete" file mode. Per §9
// this is emulated: the file is written normally, permissions are left
// open enough for a concurrent reader to rename/delete it, and Close
// removes it explicitly. If the process is killed without running Close
// the file can outlive it — the same weak atomicity guarantee the source
// acknowledges.
package rendezvous

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SecretLen is the fixed length in bytes of the shared secret (§6).
const SecretLen = 16

// InfoFileName is the rendezvous file's name within its directory.
const InfoFileName = "info.txt"

// TriggerSuffix names the sibling readiness-trigger file.
const TriggerSuffix = ".trigger"

// Info is the parsed contents of a rendezvous file.
type Info struct {
	Port   int
	Secret [SecretLen]byte
}

// Dir returns the well-known per-user local data directory the rendezvous
// file lives under.
func Dir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("rendezvous: resolve local data dir: %w", err)
	}
	return filepath.Join(base, "anp"), nil
}

// Path returns the full path to the rendezvous info file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, InfoFileName), nil
}

// PathIn returns the rendezvous info file path under dir, or under the
// default directory if dir is empty (the config override, §9).
func PathIn(dir string) (string, error) {
	if dir == "" {
		return Path()
	}
	return filepath.Join(dir, InfoFileName), nil
}

// TriggerPath returns the full path to the sibling trigger file.
func TriggerPath() (string, error) {
	p, err := Path()
	if err != nil {
		return "", err
	}
	return p + TriggerSuffix, nil
}

// GenerateSecret returns a cryptographically random SecretLen-byte secret.
func GenerateSecret() ([SecretLen]byte, error) {
	var s [SecretLen]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("rendezvous: generate secret: %w", err)
	}
	return s, nil
}

// Writer owns the on-disk rendezvous file for the lifetime of a server
// Worker. Close removes it, emulating delete-on-close.
type Writer struct {
	path string
}

// Write deposits the rendezvous file atomically (write to a temp file in
// the same directory, then rename) containing port on line 1 and the
// secret as space-separated "0xNN" hex tokens on line 2, then creates and
// immediately removes the sibling trigger file (§4.7 steps 3-4).
func Write(port int, secret [SecretLen]byte) (*Writer, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return WriteIn(dir, port, secret)
}

// WriteIn behaves like Write but deposits the rendezvous file under dir
// instead of the default per-user cache directory (the config override,
// §9).
func WriteIn(dir string, port int, secret [SecretLen]byte) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("rendezvous: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, InfoFileName)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", port)
	tokens := make([]string, SecretLen)
	for i, b := range secret {
		tokens[i] = fmt.Sprintf("0x%02X", b)
	}
	fmt.Fprintf(&sb, "%s\n", strings.Join(tokens, " "))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return nil, fmt.Errorf("rendezvous: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rendezvous: rename into place: %w", err)
	}

	triggerPath := path + TriggerSuffix
	if err := os.WriteFile(triggerPath, nil, 0o600); err != nil {
		return nil, fmt.Errorf("rendezvous: write trigger file: %w", err)
	}
	if err := os.Remove(triggerPath); err != nil {
		return nil, fmt.Errorf("rendezvous: remove trigger file: %w", err)
	}

	return &Writer{path: path}, nil
}

// Close removes the rendezvous file, emulating delete-on-close semantics.
func (w *Writer) Close() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rendezvous: remove %s: %w", w.path, err)
	}
	return nil
}

// Read parses the rendezvous file at path.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("rendezvous: read %s: %w", path, err)
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) < 2 {
		return Info{}, fmt.Errorf("rendezvous: malformed info file: want 2 lines, got %d", len(lines))
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Info{}, fmt.Errorf("rendezvous: malformed port %q: %w", lines[0], err)
	}
	secret, err := parseSecretTokens(strings.Fields(lines[1]))
	if err != nil {
		return Info{}, err
	}
	return Info{Port: port, Secret: secret}, nil
}

// parseSecretTokens accepts either "0xNN" or bare "NN" hex tokens.
func parseSecretTokens(tokens []string) ([SecretLen]byte, error) {
	var secret [SecretLen]byte
	if len(tokens) != SecretLen {
		return secret, fmt.Errorf("rendezvous: expected %d secret tokens, got %d", SecretLen, len(tokens))
	}
	for i, tok := range tokens {
		tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return secret, fmt.Errorf("rendezvous: malformed secret token %q: %w", tokens[i], err)
		}
		secret[i] = byte(b)
	}
	return secret, nil
}

// SecretsEqual performs a constant-time comparison of two secrets (§9: the
// source used a non-constant-time comparison; this implementation does not).
func SecretsEqual(a, b [SecretLen]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
