package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodNone stores payloads as-is.
	MethodNone Method = "none"
	// MethodAES256GCM seals payloads with AES-256-GCM and a random nonce prefix.
	MethodAES256GCM Method = "aes-256-gcm"
)

// ErrOpen is returned when a sealed payload fails authentication.
var ErrOpen = errors.New("encryption: message authentication failed")

// Options describes how to seal or open payloads.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether sealing should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256GCM:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-gcm requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// Seal encrypts data and binds it to aad. The result is nonce || ciphertext.
func Seal(data, aad []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	aead, err := newGCM(opts.Key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, aad), nil
}

// Open reverses Seal. aad must match the value passed to Seal.
func Open(sealed, aad []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return sealed, nil
	}
	aead, err := newGCM(opts.Key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encryption: sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

// Overhead returns the number of bytes added by the given method.
func Overhead(method Method) int {
	switch method {
	case MethodAES256GCM:
		return 12 + 16
	default:
		return 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
