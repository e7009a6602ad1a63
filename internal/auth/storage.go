package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrCredentialNotFound is returned by Load when nothing is stored
var ErrCredentialNotFound = errors.New("credential not found")

// StorageBackend defines the interface for credential storage
type StorageBackend interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
	// Delete removes a credential; deleting a missing one is not an error
	Delete(name string) error
	Name() string
}

// KeyringStorage uses system keyring for credential storage
type KeyringStorage struct {
	serviceName string
}

// NewKeyringStorage creates a keyring storage backend
func NewKeyringStorage(serviceName string) *KeyringStorage {
	return &KeyringStorage{
		serviceName: serviceName,
	}
}

func (s *KeyringStorage) Save(name string, data []byte) error {
	return keyring.Set(s.serviceName, name, string(data))
}

func (s *KeyringStorage) Load(name string) ([]byte, error) {
	data, err := keyring.Get(s.serviceName, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return []byte(data), nil
}

func (s *KeyringStorage) Delete(name string) error {
	err := keyring.Delete(s.serviceName, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func (s *KeyringStorage) Name() string {
	return "system-keyring"
}

// EncryptedFileStorage stores credentials in encrypted files
type EncryptedFileStorage struct {
	baseDir string
	key     []byte
}

// NewEncryptedFileStorage creates an encrypted file storage backend
func NewEncryptedFileStorage(baseDir string) (*EncryptedFileStorage, error) {
	key, err := getOrCreateEncryptionKey(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}

	return &EncryptedFileStorage{
		baseDir: baseDir,
		key:     key,
	}, nil
}

func (s *EncryptedFileStorage) Save(name string, data []byte) error {
	encrypted, err := s.encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return writeCredentialFile(credentialFilePath(s.baseDir, name, ".enc"), encrypted)
}

func (s *EncryptedFileStorage) Load(name string) ([]byte, error) {
	encrypted, err := readCredentialFile(credentialFilePath(s.baseDir, name, ".enc"))
	if err != nil {
		return nil, err
	}
	return s.decrypt(encrypted)
}

func (s *EncryptedFileStorage) Delete(name string) error {
	return removeCredentialFile(credentialFilePath(s.baseDir, name, ".enc"))
}

func (s *EncryptedFileStorage) Name() string {
	return "encrypted-file"
}

// encrypt encrypts data using AES-GCM
func (s *EncryptedFileStorage) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts data using AES-GCM
func (s *EncryptedFileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("invalid ciphertext")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertext = ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	return plaintext, nil
}

// PlainFileStorage stores credentials unencrypted (development only)
type PlainFileStorage struct {
	baseDir string
}

// NewPlainFileStorage creates a plain file storage backend
func NewPlainFileStorage(baseDir string) *PlainFileStorage {
	return &PlainFileStorage{
		baseDir: baseDir,
	}
}

func (s *PlainFileStorage) Save(name string, data []byte) error {
	return writeCredentialFile(credentialFilePath(s.baseDir, name, ".json"), data)
}

func (s *PlainFileStorage) Load(name string) ([]byte, error) {
	return readCredentialFile(credentialFilePath(s.baseDir, name, ".json"))
}

func (s *PlainFileStorage) Delete(name string) error {
	return removeCredentialFile(credentialFilePath(s.baseDir, name, ".json"))
}

func (s *PlainFileStorage) Name() string {
	return "plain-file"
}

// credentialFilePath maps a remote name to a file name. Remote names may
// contain spaces and dots, so they are encoded.
func credentialFilePath(baseDir, name, ext string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(strings.TrimSpace(name)))
	return filepath.Join(baseDir, "credentials", encoded+ext)
}

func writeCredentialFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func readCredentialFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return data, nil
}

func removeCredentialFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// getOrCreateEncryptionKey generates or loads the encryption key
func getOrCreateEncryptionKey(baseDir string) ([]byte, error) {
	keyFile := filepath.Join(baseDir, ".keyfile")

	if data, err := os.ReadFile(keyFile); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyFile, []byte(encoded), 0600); err != nil {
		return nil, err
	}

	return key, nil
}
