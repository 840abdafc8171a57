package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Alia5/usbtest/internal/configpaths"
	"github.com/Alia5/usbtest/internal/server/api/auth"
)

const keyFileName = "usbtest.key.txt"

func keyFilePath() (string, error) {
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	return filepath.Join(dir, keyFileName), nil
}

// readKey returns the API password stored in the key file, or "" if there is none.
func readKey() string {
	p, err := keyFilePath()
	if err != nil {
		return ""
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// loadOrCreateKey returns the API password from the key file, generating
// and storing a new one on first start.
func loadOrCreateKey(logger *slog.Logger) (string, error) {
	p, err := keyFilePath()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	pwd, err := auth.GeneratePassword()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(p, []byte(pwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", p)
	logger.Info("Remote clients need it via --password or USBTEST_PASSWORD; local clients read the key file")
	return pwd, nil
}
