package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Alia5/usbuart/internal/configpaths"
	"github.com/Alia5/usbuart/internal/server/api/auth"
)

const keyFileName = "usbuart.key.txt"

func resolveKeyFile(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	return filepath.Join(dir, keyFileName), nil
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// loadOrCreateKey returns the API password stored at path, generating and
// saving a new one on first run.
func loadOrCreateKey(path string, logger *slog.Logger) (string, error) {
	if pwd, err := readKeyFile(path); err == nil && pwd != "" {
		return pwd, nil
	}

	newPwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(path, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", path)
	logger.Info("-------------------------------------")
	logger.Info("Your usbuart API password is:")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("You can change this password at any time by editing the file")
	return newPwd, nil
}
