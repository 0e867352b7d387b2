package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// secretDerivationSalt is the scrypt salt for at-rest secret fields. A
// single fixed salt is sufficient here — the encryption key passed to
// NewCrypto is the real secret, and every account field this package
// protects (refresh token, access token, IdC client secret) shares one
// key, unlike the teacher's multi-provider layout.
const secretDerivationSalt = "kirobridge-account-secret"

// Crypto encrypts account secrets (refresh/access tokens, IdC client
// secret) at rest with AES-256-CBC before they reach accounts.json. The
// AES key is derived once via scrypt and held for the process lifetime —
// there is exactly one key in play, so there's no per-call salt or cache
// to manage. Wire format: "{iv_hex}:{ciphertext_hex}".
type Crypto struct {
	key []byte
}

// NewCrypto derives the AES-256 key from encryptionKey immediately. A
// bad scrypt derivation would mean a broken stdlib, not a runtime
// condition callers can recover from, so construction panics rather
// than threading an error through every pool constructor.
func NewCrypto(encryptionKey string) *Crypto {
	key, err := scrypt.Key([]byte(encryptionKey), []byte(secretDerivationSalt), 32768, 8, 1, 32)
	if err != nil {
		panic(fmt.Sprintf("derive account secret key: %v", err))
	}
	return &Crypto{key: key}
}

// Encrypt encrypts plaintext with a random IV, returning "{iv_hex}:{ciphertext_hex}".
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Crypto) Decrypt(encrypted string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted format: missing ':'")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}

	return string(unpadded), nil
}

// --- PKCS7 padding ---

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
