// Package secrets keeps config values such as the task service token
// encrypted at rest as ENC[age:<base64>] blobs.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/dohr-michael/huddle/internal/config"
)

const (
	blobOpen  = "ENC[age:"
	blobClose = "]"
)

// ErrNotEncrypted is returned by Decrypt for a value without the ENC wrapper.
var ErrNotEncrypted = errors.New("value is not an ENC[age:...] blob")

// KeyPath is $HUDDLE_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.HuddlePath(), ".age-key")
}

// GenerateIdentity writes a new X25519 identity to path, readable by the
// owner only. An existing key is kept: rotating it would orphan every blob
// already encrypted to it.
func GenerateIdentity(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	defer f.Close()

	id, err := age.GenerateX25519Identity()
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("generate identity: %w", err)
	}
	if _, err := fmt.Fprintf(f, "# huddle config key\n# public key: %s\n%s\n", id.Recipient(), id); err != nil {
		os.Remove(path)
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// LoadIdentity returns the first X25519 identity in the key file.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// Encrypt seals plaintext for recipient.
func Encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return blobOpen + base64.StdEncoding.EncodeToString(sealed.Bytes()) + blobClose, nil
}

// Decrypt opens an ENC blob produced by Encrypt.
func Decrypt(blob string, identity *age.X25519Identity) (string, error) {
	inner, ok := unwrap(blob)
	if !ok {
		return "", ErrNotEncrypted
	}
	sealed, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s is wrapped as ENC[age:...].
func IsEncrypted(s string) bool {
	_, ok := unwrap(s)
	return ok
}

func unwrap(s string) (string, bool) {
	if !strings.HasPrefix(s, blobOpen) || !strings.HasSuffix(s, blobClose) || len(s) < len(blobOpen)+len(blobClose) {
		return "", false
	}
	return s[len(blobOpen) : len(s)-len(blobClose)], true
}

// ResolveConfig replaces the encrypted secret fields of cfg with their
// plaintext. The key at keyPath is read only when some field is encrypted,
// and cfg is left untouched unless every field decrypts.
func ResolveConfig(cfg *config.Config, keyPath string) error {
	var sealed []*string
	for _, f := range cfg.Secrets() {
		if IsEncrypted(*f) {
			sealed = append(sealed, f)
		}
	}
	if len(sealed) == 0 {
		return nil
	}

	id, err := LoadIdentity(keyPath)
	if err != nil {
		return fmt.Errorf("config holds encrypted values: %w", err)
	}
	plain := make([]string, len(sealed))
	for i, f := range sealed {
		if plain[i], err = Decrypt(*f, id); err != nil {
			return err
		}
	}
	for i, f := range sealed {
		*f = plain[i]
	}
	return nil
}
