// Package vault implements the broker's at-rest secret store: AES-256-GCM
// encryption keyed by a locally generated file, plus a separate passcode
// subvault used to gate the daemon's setup wizard and sensitive operations.
// The cipher usage is grounded on the same AES-GCM shape the pack's MFA
// secret encryption uses (generate a random nonce, seal with it prefixed to
// the ciphertext, open by slicing it back off).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"agenshield/internal/model"
)

const (
	keyFileMode  = 0600
	keySize      = 32
	ivSize       = 12
	pbkdf2Iters  = 100_000
	pbkdf2KeyLen = 64
	saltSize     = 16
)

// secretRecord is one entry in the vault's data file.
type secretRecord struct {
	Encrypted   string    `json:"encrypted"`
	IV          string    `json:"iv"`
	Tag         string    `json:"tag"`
	CreatedAt   time.Time `json:"createdAt"`
	AccessCount int       `json:"accessCount"`
}

// document is the on-disk JSON layout.
type document struct {
	Version int                     `json:"version"`
	Secrets map[string]secretRecord `json:"secrets"`
}

// Vault is the encrypted key-value store for broker-managed secrets.
type Vault struct {
	mu       sync.Mutex
	dataPath string
	keyPath  string
	key      []byte
	doc      document
}

// Open loads (or initializes) the vault at dataPath, generating and
// persisting a fresh 32-byte key at keyPath if one is not already present.
// A missing data file is not an error: it is treated as an empty vault.
func Open(dataPath, keyPath string) (*Vault, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		dataPath: dataPath,
		keyPath:  keyPath,
		key:      key,
		doc:      document{Version: 1, Secrets: map[string]secretRecord{}},
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, model.NewInternal("read vault data file", err)
	}
	if len(raw) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(raw, &v.doc); err != nil {
		return nil, model.NewVaultCorrupt("vault data file is not valid JSON")
	}
	if v.doc.Secrets == nil {
		v.doc.Secrets = map[string]secretRecord{}
	}
	return v, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		if len(raw) != keySize {
			return nil, model.NewVaultCorrupt("vault key file has the wrong length")
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, model.NewInternal("read vault key file", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, model.NewInternal("generate vault key", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, model.NewInternal("create vault key directory", err)
	}
	if err := os.WriteFile(keyPath, key, keyFileMode); err != nil {
		return nil, model.NewInternal("persist vault key", err)
	}
	return key, nil
}

// Get decrypts and returns the named secret, bumping its access count and
// persisting the updated record.
func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.doc.Secrets[name]
	if !ok {
		return "", model.NewNotFound(fmt.Sprintf("secret %q not found", name))
	}

	plaintext, err := v.decrypt(rec)
	if err != nil {
		return "", err
	}

	rec.AccessCount++
	v.doc.Secrets[name] = rec
	if err := v.persistLocked(); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Set encrypts value under a fresh IV and stores it as name, overwriting
// any existing record.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.encrypt(value)
	if err != nil {
		return err
	}
	rec.CreatedAt = time.Now().UTC()
	v.doc.Secrets[name] = rec
	return v.persistLocked()
}

// Delete removes name from the vault. Deleting an absent name is not an
// error.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.doc.Secrets, name)
	return v.persistLocked()
}

// List returns the names of every stored secret, never their values.
func (v *Vault) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.doc.Secrets))
	for name := range v.doc.Secrets {
		names = append(names, name)
	}
	return names
}

func (v *Vault) encrypt(plaintext string) (secretRecord, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return secretRecord{}, model.NewInternal("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return secretRecord{}, model.NewInternal("create gcm", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return secretRecord{}, model.NewInternal("generate iv", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// gcm.Seal appends the authentication tag after the ciphertext; split
	// them so the on-disk layout carries the tag as its own field.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return secretRecord{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func (v *Vault) decrypt(rec secretRecord) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Encrypted)
	if err != nil {
		return "", model.NewVaultCorrupt("stored ciphertext is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return "", model.NewVaultCorrupt("stored iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(rec.Tag)
	if err != nil {
		return "", model.NewVaultCorrupt("stored tag is not valid base64")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", model.NewInternal("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", model.NewInternal("create gcm", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		// Wrong tag and corrupt ciphertext are indistinguishable to a
		// caller: both report VaultCorrupt, never a more specific reason,
		// so a probing attacker cannot use the error to distinguish a
		// tampered tag from a truncated file.
		return "", model.NewVaultCorrupt("vault entry failed authentication")
	}
	return string(plaintext), nil
}

func (v *Vault) persistLocked() error {
	raw, err := json.MarshalIndent(v.doc, "", "  ")
	if err != nil {
		return model.NewInternal("marshal vault document", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.dataPath), 0700); err != nil {
		return model.NewInternal("create vault data directory", err)
	}
	tmp := v.dataPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return model.NewInternal("write vault data file", err)
	}
	if err := os.Rename(tmp, v.dataPath); err != nil {
		return model.NewInternal("rename vault data file into place", err)
	}
	return nil
}

// PasscodeVault gates sensitive daemon operations (setup wizard completion,
// policy edits) behind a user-chosen passcode, stored only as a salted
// PBKDF2 hash, never in the clear.
type PasscodeVault struct {
	mu       sync.Mutex
	path     string
	hash     string // "iterations:salt-b64:derived-b64", empty if unset
}

type passcodeDocument struct {
	Hash string `json:"hash"`
}

// OpenPasscodeVault loads the passcode hash file at path, if present.
func OpenPasscodeVault(path string) (*PasscodeVault, error) {
	p := &PasscodeVault{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, model.NewInternal("read passcode file", err)
	}
	var doc passcodeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, model.NewVaultCorrupt("passcode file is not valid JSON")
	}
	p.hash = doc.Hash
	return p, nil
}

// IsSet reports whether a passcode has been configured yet.
func (p *PasscodeVault) IsSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash != ""
}

// SetPasscode derives and persists a new passcode hash, replacing any
// previous one.
func (p *PasscodeVault) SetPasscode(passcode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return model.NewInternal("generate passcode salt", err)
	}
	derived := pbkdf2.Key([]byte(passcode), salt, pbkdf2Iters, pbkdf2KeyLen, sha512.New)

	p.hash = fmt.Sprintf("%d:%s:%s", pbkdf2Iters,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(derived))

	raw, err := json.Marshal(passcodeDocument{Hash: p.hash})
	if err != nil {
		return model.NewInternal("marshal passcode document", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return model.NewInternal("create passcode directory", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return model.NewInternal("write passcode file", err)
	}
	return os.Rename(tmp, p.path)
}

// Verify reports whether passcode matches the stored hash, in constant
// time. It returns false, not an error, when no passcode has been set.
func (p *PasscodeVault) Verify(passcode string) bool {
	p.mu.Lock()
	hash := p.hash
	p.mu.Unlock()

	if hash == "" {
		return false
	}

	parts := splitHash(hash)
	if len(parts) != 3 {
		return false
	}
	iterations := atoiOrZero(parts[0])
	saltB64, derivedB64 := parts[1], parts[2]
	if iterations <= 0 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(derivedB64)
	if err != nil {
		return false
	}

	got := pbkdf2.Key([]byte(passcode), salt, iterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitHash(hash string) []string {
	var parts []string
	start := 0
	count := 0
	for i, c := range hash {
		if c == ':' {
			if count == 2 {
				break
			}
			parts = append(parts, hash[start:i])
			start = i + 1
			count++
		}
	}
	parts = append(parts, hash[start:])
	return parts
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
