// Package auth issues and verifies staff bearer tokens, hashes passwords,
// enforces role checks on HTTP routes and verifies device report
// signatures.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	secretDir  = ".ward-safety"
	secretFile = "jwt-secret"

	// minSecretLen is the shortest HS256 signing secret accepted.
	minSecretLen = 32
)

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("JWT signing secret not found. Set WARD_JWT_SECRET or write ~/.ward-safety/jwt-secret")

// GetSigningSecret retrieves the JWT signing secret.
// Priority order:
//  1. WARD_JWT_SECRET environment variable
//  2. ~/.ward-safety/jwt-secret (must be owner-only, mode 0600)
func GetSigningSecret() (string, error) {
	if s := os.Getenv("WARD_JWT_SECRET"); s != "" {
		log.Debug().Msg("Using JWT secret from environment variable")
		return checkSecret(s)
	}

	s, err := readSecretFile()
	if err == nil && s != "" {
		log.Debug().Msg("Using JWT secret from file")
		return checkSecret(s)
	}

	log.Error().Err(err).Msg("Failed to retrieve JWT secret")
	return "", ErrNoSecret
}

func checkSecret(s string) (string, error) {
	if len(s) < minSecretLen {
		return "", fmt.Errorf("JWT secret too short: %d bytes, need at least %d", len(s), minSecretLen)
	}
	return s, nil
}

// readSecretFile reads the secret file, refusing one readable by group
// or others.
func readSecretFile() (string, error) {
	path, err := getSecretPath()
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("secret file not found at %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("stat secret file: %w", err)
	}
	if mode := fi.Mode().Perm(); mode&0077 != 0 {
		log.Warn().
			Str("secret_file", path).
			Str("permissions", fmt.Sprintf("%04o", mode)).
			Msg("Secret file has insecure permissions (should be 0600); skipping")
		return "", fmt.Errorf("secret file %s has insecure permissions %04o", path, mode)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// getSecretPath returns the full path to the secret file.
func getSecretPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, secretDir, secretFile), nil
}
