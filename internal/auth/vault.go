package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// Vault keeps a copy of every remote's credential blob outside the engine
// configuration so a lost engine config can be restored.
type Vault struct {
	storage StorageBackend
	warning string
}

// NewVault picks a storage backend: the system keyring when available,
// else an AES-GCM encrypted file, else a plain file.
func NewVault(configDir string, store string) *Vault {
	v := &Vault{}

	switch {
	case store == config.CredentialStorePlain:
		v.storage = NewPlainFileStorage(configDir)
		v.warning = "WARNING: Using unencrypted file storage. Credentials are stored in plain text."
	case store == config.CredentialStoreEncrypted || (store != config.CredentialStoreKeyring && !checkKeyringAvailable()):
		storage, err := NewEncryptedFileStorage(configDir)
		if err != nil {
			v.storage = NewPlainFileStorage(configDir)
			v.warning = fmt.Sprintf("WARNING: Encryption setup failed (%v). Using plain file storage.", err)
			break
		}
		v.storage = storage
		if store != config.CredentialStoreEncrypted {
			v.warning = "INFO: System keyring not available. Using encrypted file storage."
		}
	default:
		v.storage = NewKeyringStorage(utils.KeyringName)
	}
	return v
}

// NewVaultWithStorage wraps an explicit backend
func NewVaultWithStorage(storage StorageBackend) *Vault {
	return &Vault{storage: storage}
}

// checkKeyringAvailable tests if system keyring is available
func checkKeyringAvailable() bool {
	testKey := utils.AppName + "-test"
	if err := keyring.Set(utils.KeyringName, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(utils.KeyringName, testKey)
	return true
}

// Backend names the storage in use
func (v *Vault) Backend() string { return v.storage.Name() }

// Warning describes a degraded storage choice, or is empty
func (v *Vault) Warning() string { return v.warning }

// Save stores the credential blob of a remote
func (v *Vault) Save(name, blob string) error {
	return v.storage.Save(name, []byte(blob))
}

// Load returns the stored blob, or ErrCredentialNotFound
func (v *Vault) Load(name string) (string, error) {
	data, err := v.storage.Load(name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes a remote's blob; missing blobs are ignored
func (v *Vault) Delete(name string) error {
	return v.storage.Delete(name)
}

// Has reports whether a blob is stored for name
func (v *Vault) Has(name string) bool {
	_, err := v.storage.Load(name)
	return err == nil
}

// ParseCredential decodes the engine's credential blob, a JSON encoded
// OAuth2 token
func ParseCredential(blob string) (*oauth2.Token, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, errors.New("empty credential")
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(blob), &tok); err != nil {
		return nil, fmt.Errorf("credential is not an OAuth2 token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("credential holds no token")
	}
	return &tok, nil
}

// CredentialExpired reports whether tok can no longer be used: it has no
// refresh token and its access token expired
func CredentialExpired(tok *oauth2.Token, now time.Time) bool {
	if tok == nil {
		return true
	}
	if tok.RefreshToken != "" {
		return false
	}
	return !tok.Expiry.IsZero() && now.After(tok.Expiry)
}

// NeedsRefresh reports whether the access token expires within the refresh
// buffer
func NeedsRefresh(tok *oauth2.Token, now time.Time) bool {
	if tok == nil || tok.Expiry.IsZero() {
		return false
	}
	return now.Add(utils.TokenRefreshBuffer).After(tok.Expiry)
}
