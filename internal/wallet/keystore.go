package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// KeyFileExt is the extension of encrypted key files.
const KeyFileExt = ".key"

// Keystore errors.
var (
	ErrKeyExists   = errors.New("key already exists")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyMismatch = errors.New("decrypted key does not match recorded public key")
)

// keyFile is the on-disk JSON format for one encrypted private key. The
// public key is kept in clear so keys can be listed without a password.
type keyFile struct {
	Version      int          `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	PubKey       types.PubKey `json:"pubkey"`
	EncryptedKey []byte       `json:"encrypted_key"`
}

// KeyInfo describes a stored key.
type KeyInfo struct {
	Name   string       `json:"name"`
	PubKey types.PubKey `json:"pubkey"`
	Path   string       `json:"path"`
}

// Keystore manages encrypted key files in one directory.
type Keystore struct {
	path string
}

// NewKeystore creates a keystore that reads/writes to the given directory.
// The directory is created if it doesn't exist.
func NewKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{path: path}, nil
}

// Path returns the file path for a key by name.
func (ks *Keystore) Path(name string) string {
	return filepath.Join(ks.path, name+KeyFileExt)
}

// Create encrypts key under password and writes it as name. It returns
// the file path.
func (ks *Keystore) Create(name string, key *crypto.PrivateKey, password []byte, params EncryptionParams) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	path := ks.Path(name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %q", ErrKeyExists, name)
	}
	if err := WriteKeyFile(path, key, password, params); err != nil {
		return "", err
	}
	log.Wallet.Info().Str("name", name).Str("pubkey", key.PublicKey().Short()).Msg("Key created")
	return path, nil
}

// Load decrypts the named key.
func (ks *Keystore) Load(name string, password []byte) (*crypto.PrivateKey, error) {
	return LoadKeyFile(ks.Path(name), password)
}

// List returns every stored key ordered by name.
func (ks *Keystore) List() ([]KeyInfo, error) {
	entries, err := os.ReadDir(ks.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}

	var out []KeyInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != KeyFileExt {
			continue
		}
		path := filepath.Join(ks.path, e.Name())
		pub, err := ReadPubKey(path)
		if err != nil {
			log.Wallet.Warn().Err(err).Str("path", path).Msg("Skipping unreadable key file")
			continue
		}
		out = append(out, KeyInfo{
			Name:   strings.TrimSuffix(e.Name(), KeyFileExt),
			PubKey: pub,
			Path:   path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a key file.
func (ks *Keystore) Delete(name string) error {
	path := ks.Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, name)
	}
	return os.Remove(path)
}

// WriteKeyFile encrypts key and writes it to path with owner-only
// permissions.
func WriteKeyFile(path string, key *crypto.PrivateKey, password []byte, params EncryptionParams) error {
	raw := key.Serialize()
	defer zero(raw)

	encrypted, err := Encrypt(raw, password, params)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	kf := keyFile{
		Version:      1,
		CreatedAt:    time.Now().UTC(),
		PubKey:       key.PublicKey(),
		EncryptedKey: encrypted,
	}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadKeyFile decrypts the key stored at path.
func LoadKeyFile(path string, password []byte) (*crypto.PrivateKey, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := Decrypt(kf.EncryptedKey, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", filepath.Base(path), err)
	}
	defer zero(raw)

	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	if key.PublicKey() != kf.PubKey {
		key.Zero()
		return nil, ErrKeyMismatch
	}
	return key, nil
}

// ReadPubKey returns the public key recorded in a key file.
func ReadPubKey(path string) (types.PubKey, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return types.PubKey{}, err
	}
	return kf.PubKey, nil
}

func readKeyFile(path string) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	return &kf, nil
}
