package cli_test

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"

	"github.com/teslamotors/vehicle-opener/pkg/cli"
)

func fileKeyringConfig(t *testing.T) *cli.Config {
	config, err := cli.NewConfig(cli.FlagSecret)
	if err != nil {
		t.Fatal(err)
	}
	config.Backend.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
	config.Backend.FileDir = t.TempDir()
	config.SetKeyringPassword("hunter2")
	config.KeyringSecretName = "garage"
	return config
}

func TestKeyringSecret(t *testing.T) {
	config := fileKeyringConfig(t)
	secret := []byte("0123456789abcdef0123456789abcdef")

	if _, err := config.LoadSecretFromKeyring(); !errors.Is(err, cli.ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound before enrolling, got %v", err)
	}
	if err := config.SaveSecret(secret); err != nil {
		t.Fatal(err)
	}
	if err := config.SavePasskey(4321); err != nil {
		t.Fatal(err)
	}

	loader := fileKeyringConfig(t)
	loader.Backend.FileDir = config.Backend.FileDir
	loaded, err := loader.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded) != string(secret) {
		t.Errorf("Loaded %x, expected %x", loaded, secret)
	}
	passkey, err := loader.Passkey()
	if err != nil || passkey != 4321 {
		t.Errorf("Expected passkey 4321, got %d (%v)", passkey, err)
	}

	if err := loader.DeleteSecret(); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadSecretFromKeyring(); !errors.Is(err, cli.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after deleting, got %v", err)
	}
	if _, err := config.LoadPasskeyFromKeyring(); !errors.Is(err, cli.ErrKeyNotFound) {
		t.Errorf("Expected passkey to be deleted with the secret, got %v", err)
	}
}

func TestKeyringSecretNames(t *testing.T) {
	garage := fileKeyringConfig(t)
	gate := fileKeyringConfig(t)
	gate.Backend.FileDir = garage.Backend.FileDir
	gate.KeyringSecretName = "gate"

	if err := garage.SaveSecret([]byte("garage")); err != nil {
		t.Fatal(err)
	}
	if err := gate.SaveSecret([]byte("gate")); err != nil {
		t.Fatal(err)
	}
	loaded, err := garage.LoadSecretFromKeyring()
	if err != nil || string(loaded) != "garage" {
		t.Errorf("Secrets with different names should not collide, got %q (%v)", loaded, err)
	}
}

func TestSavePasskeyRejectsInvalid(t *testing.T) {
	config := fileKeyringConfig(t)
	for _, passkey := range []uint32{0, 1000000} {
		if err := config.SavePasskey(passkey); !errors.Is(err, cli.ErrInvalidPasskey) {
			t.Errorf("SavePasskey(%d) = %v", passkey, err)
		}
	}
}

func TestKeyringBackendType(t *testing.T) {
	config, err := cli.NewConfig(cli.FlagSecret)
	if err != nil {
		t.Fatal(err)
	}
	if err := config.BackendType.Set("no-such-keyring"); err == nil {
		t.Error("Expected unsupported keyring type to be rejected")
	}
	if err := config.BackendType.Set(string(keyring.FileBackend)); err != nil {
		t.Fatal(err)
	}
	if config.BackendType.String() != string(keyring.FileBackend) {
		t.Errorf("Unexpected backend type '%s'", config.BackendType)
	}
}
