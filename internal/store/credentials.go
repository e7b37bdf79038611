package store

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/fxamacker/cbor/v2"
)

const keyringService = "remotehub"

// Credentials is the TLS material for one host.
type Credentials struct {
	CACert     []byte `cbor:"caCert,omitempty"`
	ClientCert []byte `cbor:"clientCert,omitempty"`
	ClientKey  []byte `cbor:"clientKey,omitempty"`
}

// CredentialVault stores credential material outside the database. Fetch
// returns (nil, nil) when nothing is stored for host.
type CredentialVault interface {
	Store(host string, creds Credentials) error
	Fetch(host string) (*Credentials, error)
	Delete(host string) error
}

// keyringVault keeps credentials in the OS keyring, one item per host,
// CBOR-encoded.
type keyringVault struct {
	fileDir string

	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewKeyringVault returns a vault backed by the platform keyring, falling
// back to an encrypted file store under fileDir on hosts without one. The
// keyring is opened lazily on first use.
func NewKeyringVault(fileDir string) CredentialVault {
	return &keyringVault{fileDir: fileDir}
}

func (v *keyringVault) open() (keyring.Keyring, error) {
	v.once.Do(func() {
		v.ring, v.err = keyring.Open(keyring.Config{
			ServiceName: keyringService,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // pass(1)
				keyring.FileBackend,          // encrypted file fallback (headless hosts)
			},
			FileDir: v.fileDir,
			FilePasswordFunc: func(prompt string) (string, error) {
				return promptPassword(prompt)
			},
		})
	})
	return v.ring, v.err
}

func (v *keyringVault) Store(host string, creds Credentials) error {
	ring, err := v.open()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	data, err := cbor.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	return ring.Set(keyring.Item{Key: host, Data: data})
}

func (v *keyringVault) Fetch(host string) (*Credentials, error) {
	ring, err := v.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := ring.Get(host)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := cbor.Unmarshal(item.Data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

func (v *keyringVault) Delete(host string) error {
	ring, err := v.open()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	err = ring.Remove(host)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return err
}
