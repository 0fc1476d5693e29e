package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName    = "com.opener.secrets"
	keyringSecretService  = "openerSecret"
	keyringPasskeyService = "openerPasskey"
	keyringDirectory      = "~/.opener_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

// SetKeyringPassword sets the password for file-backed keyrings, bypassing the terminal prompt.
func (c *Config) SetKeyringPassword(password string) {
	c.password = &password
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.Debug {
		keyring.Debug = true
	}
	return keyring.Open(c.Backend)
}

func (c *Config) secretName() string {
	name := c.KeyringSecretName
	if name == "" {
		name = DefaultSecretName
	}
	return name
}

func (c *Config) fullSecretName() string {
	return keyringSecretService + "." + c.secretName()
}

func (c *Config) fullPasskeyName() string {
	return keyringPasskeyService + "." + c.secretName()
}

// LoadSecretFromKeyring reads the rolling code secret from the system keyring.
func (c *Config) LoadSecretFromKeyring() ([]byte, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(c.fullSecretName())
	if err != nil {
		return nil, fmt.Errorf("could not load secret: %w", err)
	}
	if len(item.Data) == 0 {
		return nil, fmt.Errorf("secret '%s' is empty", c.secretName())
	}
	return item.Data, nil
}

func (c *Config) saveSecretToKeyring(secret []byte) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:  c.fullSecretName(),
		Data: secret,
	}); err != nil {
		return fmt.Errorf("failed to enroll secret in keyring: %w", err)
	}
	return nil
}

// DeleteSecret removes the secret and passkey from the system keyring. A missing passkey is not
// an error.
func (c *Config) DeleteSecret() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Remove(c.fullSecretName()); err != nil {
		return err
	}
	if err := kr.Remove(c.fullPasskeyName()); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadPasskeyFromKeyring reads the pairing passkey stored alongside the secret.
func (c *Config) LoadPasskeyFromKeyring() (uint32, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return 0, err
	}
	item, err := kr.Get(c.fullPasskeyName())
	if err != nil {
		return 0, fmt.Errorf("could not load passkey: %w", err)
	}
	return ParsePasskey(string(item.Data))
}

// SavePasskey writes the pairing passkey to the system keyring.
func (c *Config) SavePasskey(passkey uint32) error {
	if _, err := ParsePasskey(strconv.FormatUint(uint64(passkey), 10)); err != nil {
		return err
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:  c.fullPasskeyName(),
		Data: []byte(FormatPasskey(passkey)),
	}); err != nil {
		return fmt.Errorf("failed to enroll passkey in keyring: %w", err)
	}
	c.passkey = passkey
	return nil
}
