package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// TokenKeyring as the token value means the real token lives in the OS
// keyring under (KeyringService, KeyringUser).
const (
	TokenKeyring   = "keyring"
	KeyringService = "browserbridge"
	KeyringUser    = "server-token"
)

// ResolveToken returns the bearer token, reading the OS keyring when the
// configured value is TokenKeyring.
func (c *Config) ResolveToken() (string, error) {
	if c.Token != TokenKeyring {
		return c.Token, nil
	}
	tok, err := keyring.Get(KeyringService, KeyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("token is set to %q but no token is stored in the keyring", TokenKeyring)
	}
	if err != nil {
		return "", fmt.Errorf("read keyring: %w", err)
	}
	return tok, nil
}

// StoreToken saves token in the OS keyring and points the config at it.
func (c *Config) StoreToken(token string) error {
	if err := keyring.Set(KeyringService, KeyringUser, token); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	c.Token = TokenKeyring
	return nil
}

// ForgetToken removes the keyring entry. A missing entry is not an error.
func ForgetToken() error {
	err := keyring.Delete(KeyringService, KeyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring entry: %w", err)
	}
	return nil
}
