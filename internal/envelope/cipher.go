// Package envelope implements the symmetric encryption applied to every
// REST payload exchanged with the backend.
//
// Wire format (OpenSSL/CryptoJS passphrase mode):
//
//	base64( "Salted__" || salt[8] || AES-256-CBC(PKCS#7(plaintext)) )
//
// The key and IV are derived from the shared passphrase and the random salt
// with the configured KDF (see kdf.go).
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"tradedesk/internal/domain"
)

var saltedMagic = []byte("Salted__")

// Cipher encrypts and decrypts payloads with one pre-shared secret.
// It is safe for concurrent use; its state is read-only after New.
type Cipher struct {
	passphrase []byte
	kdf        KDF
	rand       io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithKDF selects the key derivation function. The backend must use the same one.
func WithKDF(k KDF) Option {
	return func(c *Cipher) { c.kdf = k }
}

// WithRandom overrides the salt source (tests).
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) { c.rand = r }
}

// New creates a Cipher keyed by secret. An empty secret is a configuration
// error: the process must refuse to start rather than encrypt with it.
func New(secret string, opts ...Option) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, &domain.ConfigError{Field: "encryption.secret_key", Err: domain.ErrMissingSecret}
	}
	c := &Cipher{
		passphrase: []byte(secret),
		kdf:        KDFEVP,
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// KDF returns the configured key derivation.
func (c *Cipher) KDF() KDF {
	return c.kdf
}

// Encrypt serializes v to canonical JSON and encrypts it.
func (c *Cipher) Encrypt(v any) (string, error) {
	plain, err := canonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal payload: %w", err)
	}
	raw, err := c.seal(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt decrypts ciphertext and unmarshals the JSON plaintext into out.
// Any failure, including a ciphertext produced with another key, is a
// *domain.DecodeError.
func (c *Cipher) Decrypt(ciphertext string, out any) error {
	plain, err := c.open(ciphertext, base64.StdEncoding)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return &domain.DecodeError{Stage: "json", Err: err}
	}
	return nil
}

// EncryptString encrypts a raw string for use in a query parameter. The
// result is unpadded base64url and needs no further escaping.
func (c *Cipher) EncryptString(s string) (string, error) {
	raw, err := c.seal([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecryptString reverses EncryptString and returns the plaintext as is,
// without JSON parsing. Standard and percent-encoded base64 are accepted too,
// including standard base64 whose '+' became ' ' in query decoding.
func (c *Cipher) DecryptString(s string) (string, error) {
	if strings.Contains(s, "%") {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return "", &domain.DecodeError{Stage: "base64", Err: err}
		}
		s = unescaped
	}
	s = strings.TrimRight(strings.Trim(s, "\t\r\n"), "=")
	s = strings.NewReplacer("+", "-", " ", "-", "/", "_").Replace(s)

	plain, err := c.open(s, base64.RawURLEncoding)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// OpenChunks decrypts each fragment in order and returns the concatenated plaintext.
func (c *Cipher) OpenChunks(chunks ...string) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, &domain.DecodeError{Stage: "cipher", Err: errors.New("no ciphertext fragments")}
	}
	var buf bytes.Buffer
	for i, chunk := range chunks {
		plain, err := c.open(chunk, base64.StdEncoding)
		if err != nil {
			return nil, fmt.Errorf("fragment %d: %w", i, err)
		}
		buf.Write(plain)
	}
	return buf.Bytes(), nil
}

// DecryptChunks decrypts one or more fragments, joins the plaintext and parses
// it as JSON. When the joined text is not JSON the raw string is returned
// instead of an error, so legacy and partial payloads still come through.
// JSON numbers are returned as json.Number.
func (c *Cipher) DecryptChunks(chunks ...string) (any, error) {
	plain, err := c.OpenChunks(chunks...)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(plain), nil
	}
	return v, nil
}

func (c *Cipher) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("envelope: read salt: %w", err)
	}
	key, iv := c.kdf.derive(c.passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)

	out := make([]byte, len(saltedMagic)+saltLen+len(padded))
	copy(out, saltedMagic)
	copy(out[len(saltedMagic):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(saltedMagic)+saltLen:], padded)
	return out, nil
}

func (c *Cipher) open(ciphertext string, enc *base64.Encoding) ([]byte, error) {
	raw, err := enc.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, &domain.DecodeError{Stage: "base64", Err: err}
	}

	header := len(saltedMagic) + saltLen
	if len(raw) < header+aes.BlockSize || !bytes.Equal(raw[:len(saltedMagic)], saltedMagic) {
		return nil, &domain.DecodeError{Stage: "cipher", Err: errors.New("missing salted header")}
	}
	body := raw[header:]
	if len(body)%aes.BlockSize != 0 {
		return nil, &domain.DecodeError{Stage: "cipher", Err: errors.New("ciphertext is not a whole number of blocks")}
	}

	key, iv := c.kdf.derive(c.passphrase, raw[len(saltedMagic):header])
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.DecodeError{Stage: "cipher", Err: err}
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, &domain.DecodeError{Stage: "cipher", Err: err}
	}
	return plain, nil
}

// canonicalJSON matches JSON.stringify output: no HTML escaping, no trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
