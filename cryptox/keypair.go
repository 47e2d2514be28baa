package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrMalformedSeal = errors.New("malformed sealed payload")

const (
	sealKeySize   = 32
	sealNonceSize = 12
)

// KeyPair is the server's RSA key pair. It is generated once at startup.
type KeyPair struct {
	private *rsa.PrivateKey
	public  string
}

func GenerateKeyPair(bits int) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &KeyPair{private: key, public: base64.StdEncoding.EncodeToString(der)}, nil
}

// PublicKeyString is the base64 PKIX DER form handed to clients.
func (k *KeyPair) PublicKeyString() string {
	return k.public
}

func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

// ParsePublicKey decodes a key produced by PublicKeyString.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", pub)
	}
	return rsaPub, nil
}

// Seal encrypts plaintext for the holder of pub.
//
// Layout (base64): RSA-OAEP(SHA-256) wrapped AES-256 key | 12-byte nonce | AES-GCM ciphertext.
func Seal(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	key := make([]byte, sealKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	out := make([]byte, 0, len(wrapped)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal with the private key.
func (k *KeyPair) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeal, err)
	}

	wrappedSize := k.private.Size()
	if len(raw) < wrappedSize+sealNonceSize {
		return nil, ErrMalformedSeal
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, k.private, raw[:wrappedSize], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", ErrMalformedSeal, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := raw[wrappedSize : wrappedSize+sealNonceSize]
	plaintext, err := gcm.Open(nil, nonce, raw[wrappedSize+sealNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeal, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
