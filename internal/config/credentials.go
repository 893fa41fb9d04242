package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

const credentialKey = "GEMINI_API_KEY"

// LoadCredential reads the stored primary cloud key. A missing file yields an empty key.
func LoadCredential(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	return values[credentialKey], nil
}

// SaveCredential persists the primary cloud key
func SaveCredential(path, key string) error {
	if path == "" {
		return fmt.Errorf("credentials file path is not configured")
	}
	if err := godotenv.Write(map[string]string{credentialKey: key}, path); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
