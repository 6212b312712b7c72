package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// vaultVersion tags the on-disk format so a future key rotation can migrate
// blobs in place. Current layout: "v1:" + hex(iv || ciphertext), AES-256-CBC
// with PKCS#7 padding and a random 16-byte IV per blob.
const vaultVersion = "v1"

// Vault encrypts private keys with the process-level secret. The secret is
// loaded once at startup and is read-only afterwards.
type Vault struct {
	key []byte
}

// NewVault parses a 32-byte hex key.
func NewVault(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plain into a versioned blob.
func (v *Vault) Encrypt(plain []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)
	return vaultVersion + ":" + hex.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. Unknown format tags fail loudly
// instead of feeding garbage into key parsing.
func (v *Vault) Decrypt(blob string) ([]byte, error) {
	version, rest, ok := strings.Cut(blob, ":")
	if !ok {
		return nil, errors.New("vault: blob missing format tag")
	}
	if version != vaultVersion {
		return nil, fmt.Errorf("vault: unsupported format %q", version)
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("vault: blob is not hex: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("vault: truncated blob")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("vault: invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errors.New("vault: invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("vault: invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
