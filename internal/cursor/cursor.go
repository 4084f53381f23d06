// Package cursor encodes and decodes the opaque pagination tokens returned
// by list endpoints. A token carries the last key a page stopped at plus
// enough context to resume the scan; it is encrypted so that callers cannot
// forge or inspect it, and tampering is caught as a decode error rather than
// silently producing a wrong page.
//
// The wire format mirrors the teacher's EncryptedString field: AES-256-GCM,
// base64(nonce || ciphertext), except the key is carried on a Codec value
// instead of a package-level global so callers wire it explicitly at
// construction time.
package cursor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalid is returned for any malformed, tampered, or wrong-key token.
// Callers should map it to apperr.InvalidCursor without further inspection.
var ErrInvalid = errors.New("cursor: invalid or tampered token")

// Page is the plaintext payload sealed inside a token. Namespace binds a
// token to the listing it was issued for, so a token minted for one
// resource can't be replayed against another. Beyond the namespace and the
// key a scan should resume after, it carries the rest of the list state a
// listing was started with — limit, since, query/queryField, and parent —
// so a caller that pages using only the returned cursor (never resending
// its original filters) still gets a consistent, complete listing. Fields
// a particular listing doesn't use are simply left zero.
type Page struct {
	Namespace  string `json:"ns"`
	LastKey    string `json:"k"`
	Limit      int    `json:"limit,omitempty"`
	Since      int64  `json:"since,omitempty"`
	Query      string `json:"query,omitempty"`
	QueryField string `json:"queryField,omitempty"`
	Parent     string `json:"parent,omitempty"`
}

// Codec seals and opens pagination tokens with a fixed AES-256 key.
type Codec struct {
	key []byte
}

// NewCodec builds a Codec from a 32-byte AES-256 key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cursor: key must be exactly 32 bytes, got %d", len(key))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &Codec{key: k}, nil
}

func (c *Codec) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("cursor: creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encode seals page into an opaque base64 token.
func (c *Codec) Encode(page Page) (string, error) {
	plaintext, err := json.Marshal(page)
	if err != nil {
		return "", fmt.Errorf("cursor: marshaling page: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cursor: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decode opens a token previously produced by Encode. Any parse, auth-tag,
// or key mismatch collapses to ErrInvalid — the caller learns nothing about
// which part of the token was wrong.
func (c *Codec) Decode(token string) (Page, error) {
	var page Page
	if token == "" {
		return page, nil
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return page, ErrInvalid
	}

	gcm, err := c.gcm()
	if err != nil {
		return page, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return page, ErrInvalid
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return page, ErrInvalid
	}

	if err := json.Unmarshal(plaintext, &page); err != nil {
		return page, ErrInvalid
	}
	return page, nil
}
