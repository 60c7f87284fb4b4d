package plansync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionNonceSize = 12
	encryptionSaltSize  = 32
	encryptionKeySize   = 32
	pbkdf2Iterations    = 100000
)

// EncryptionConfig configures encryption at rest for provider blobs.
type EncryptionConfig struct {
	// Enabled turns on encryption for snapshots written to providers.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Key is the raw AES-256 key (32 bytes). If empty, KeyPassword is used
	// to derive a key.
	Key []byte `json:"-" yaml:"-"`

	// KeyPassword derives the encryption key via PBKDF2. The salt is stored
	// in each blob so any device holding the password can decrypt.
	KeyPassword string `json:"-" yaml:"key_password"`
}

// Encryptor seals and opens provider payloads with AES-256-GCM.
type Encryptor struct {
	key      []byte
	rawKey   bool
	password string
}

// NewEncryptor creates an encryptor from a key or password. Returns nil when
// encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		return &Encryptor{key: cfg.Key, rawKey: true}, nil
	}
	if cfg.KeyPassword != "" {
		return &Encryptor{password: cfg.KeyPassword}, nil
	}
	return nil, errors.New("encryption enabled but no key or password provided")
}

// Encrypt seals plaintext as salt || nonce || ciphertext. A fresh salt and
// nonce are generated per call, so encrypting the same snapshot twice never
// produces the same blob.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, encryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, encryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("encrypted blob too short")
	}
	salt := data[:encryptionSaltSize]
	nonce := data[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	ciphertext := data[encryptionSaltSize+encryptionNonceSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := e.key
	if !e.rawKey {
		key = pbkdf2.Key([]byte(e.password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
