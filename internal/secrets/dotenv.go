package secrets

import (
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
)

// SetEncrypted encrypts plaintext for recipient and stores it as key in the
// .env file at path. Config files reference it as ${{ .Env.KEY }}.
func SetEncrypted(path, key, plaintext string, recipient *age.X25519Recipient) error {
	blob, err := Encrypt(plaintext, recipient)
	if err != nil {
		return err
	}
	return SetEntry(path, key, blob)
}

// SetEntry writes or updates a KEY=VALUE line in a .env file, keeping
// comments, ordering and blank lines. New keys are appended.
func SetEntry(path, key, value string) error {
	if key == "" || strings.ContainsAny(key, "= \t\n") {
		return fmt.Errorf("invalid key %q", key)
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read dotenv: %w", err)
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	entry := key + "=" + quoteValue(value)

	replaced := false
	for i, line := range lines {
		k, _, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if strings.TrimSpace(k) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// quoteValue wraps the value in double quotes if it contains spaces, quotes, or special chars.
func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t\"'\\#$") {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}
