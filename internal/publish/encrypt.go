// Package publish post-processes a finished archive: optional age
// encryption and optional upload to S3-compatible storage.
package publish

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
)

// EncryptedSuffix is appended to an archive encrypted by Encrypt.
const EncryptedSuffix = ".age"

// ParseRecipients parses comma-separated age X25519 recipients
// ("age1...").
func ParseRecipients(s string) ([]age.Recipient, error) {
	var out []age.Recipient
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(field)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", field, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no age recipients in %q", s)
	}
	return out, nil
}

// Encrypt encrypts path to path+".age" and removes the plaintext. On
// failure the plaintext is kept and no ciphertext is left behind.
func Encrypt(path string, recipients ...age.Recipient) (string, error) {
	dest := path + EncryptedSuffix
	tmp := dest + ".part"
	if err := encryptFile(path, tmp, recipients); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("encrypt %s: %w", path, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("encrypt %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return dest, fmt.Errorf("remove plaintext archive: %w", err)
	}
	slog.Debug("archive encrypted", "path", dest, "recipients", len(recipients))
	return dest, nil
}

func encryptFile(src, dst string, recipients []age.Recipient) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := age.Encrypt(out, recipients...)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
