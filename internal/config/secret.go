package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrSecretNotFound 表示环境变量与 dotenv 文件中都没有助记词。
var ErrSecretNotFound = errors.New("secret phrase not found")

// LoadSecret 依次从环境变量和 dotenv 文件读取助记词，环境变量优先。
func LoadSecret(cfg SecretConfig) (string, error) {
	if value := strings.TrimSpace(os.Getenv(cfg.Key)); value != "" {
		return value, nil
	}
	if cfg.EnvFile == "" {
		return "", fmt.Errorf("%w: %s is unset", ErrSecretNotFound, cfg.Key)
	}

	values, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s is unset and %s does not exist", ErrSecretNotFound, cfg.Key, cfg.EnvFile)
		}
		return "", fmt.Errorf("read %s: %w", cfg.EnvFile, err)
	}
	value := strings.TrimSpace(values[cfg.Key])
	if value == "" {
		return "", fmt.Errorf("%w: %s has no %s entry", ErrSecretNotFound, cfg.EnvFile, cfg.Key)
	}
	return value, nil
}
