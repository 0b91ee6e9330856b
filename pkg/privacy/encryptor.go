package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Algorithm names the cipher recorded on every EncryptedPosition
const Algorithm = "AES-256-GCM"

const (
	keyLength  = 32
	iterations = 100000
)

var defaultSalt = []byte("locator-position-salt")

// Encryptor seals payloads with AES-256-GCM under a PBKDF2-derived key.
// It is safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a key from secret; salt may be nil
func NewEncryptor(secret string, salt []byte) (*Encryptor, error) {
	if secret == "" {
		return nil, errors.New("encryption secret cannot be empty")
	}
	if len(salt) == 0 {
		salt = defaultSalt
	}
	return newEncryptorFromKey(pbkdf2.Key([]byte(secret), salt, iterations, keyLength, sha256.New))
}

// NewRandomEncryptor uses a random key that lives only as long as the process
func NewRandomEncryptor() (*Encryptor, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newEncryptorFromKey(key)
}

func newEncryptorFromKey(key []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random IV
func (e *Encryptor) Seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	iv = make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to create iv: %w", err)
	}
	return iv, e.aead.Seal(nil, iv, plaintext, nil), nil
}

// Open authenticates and decrypts ciphertext
func (e *Encryptor) Open(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != e.aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", e.aead.NonceSize(), len(iv))
	}
	return e.aead.Open(nil, iv, ciphertext, nil)
}
