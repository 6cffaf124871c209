// Package crypt implements envelope encryption for hosted tenants: a
// random per-tenant data encryption key (DEK) wrapped by a key derived
// from the server-held master secret and a client-held key share.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/hkdf"

	"github.com/contextvault/contextvault/internal/entry"
)

const (
	dekSize   = 32
	nonceSize = 12
)

// Keyring derives wrap keys from the server master secret.
type Keyring struct {
	master []byte
}

// NewKeyring creates a keyring from the configured master secret.
func NewKeyring(masterSecret []byte) *Keyring {
	return &Keyring{master: masterSecret}
}

// NewDEK generates a tenant DEK and wraps it. Both the wrapped DEK and the
// share hash are stored; the client share never is.
func (k *Keyring) NewDEK(clientShare []byte) (dek, wrapped, shareHash []byte, err error) {
	dek = make([]byte, dekSize)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return nil, nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	h := sha256.Sum256(clientShare)
	shareHash = h[:]

	wrapKey, err := k.wrapKey(clientShare, shareHash)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	wrapped = append(nonce, gcm.Seal(nil, nonce, dek, shareHash)...)
	return dek, wrapped, shareHash, nil
}

// UnwrapDEK recovers the DEK from its wrapped form. The presented client
// share must hash to the stored share hash.
func (k *Keyring) UnwrapDEK(wrapped, clientShare, shareHash []byte) ([]byte, error) {
	h := sha256.Sum256(clientShare)
	if subtle.ConstantTimeCompare(h[:], shareHash) != 1 {
		return nil, fmt.Errorf("client key share mismatch")
	}
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("wrapped dek too short")
	}
	wrapKey, err := k.wrapKey(clientShare, shareHash)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}
	dek, err := gcm.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], shareHash)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	return dek, nil
}

// wrapKey derives the DEK wrap key from master secret and client share.
func (k *Keyring) wrapKey(clientShare, salt []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(k.master)+len(clientShare))
	ikm = append(ikm, k.master...)
	ikm = append(ikm, clientShare...)
	return deriveKey(ikm, salt, "context-vault/dek-wrap")
}

func deriveKey(ikm, salt []byte, info string) ([]byte, error) {
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Cipher encrypts and decrypts entry content under a tenant DEK.
//
// One IV is stored per row but each field is sealed under its own
// HKDF-derived subkey, so the shared nonce never repeats under a single
// key.
type Cipher struct {
	dek []byte
}

// NewCipher wraps an unwrapped DEK.
func NewCipher(dek []byte) *Cipher {
	return &Cipher{dek: dek}
}

func (c *Cipher) fieldGCM(field string) (cipher.AEAD, error) {
	key, err := deriveKey(c.dek, nil, "context-vault/field/"+field)
	if err != nil {
		return nil, err
	}
	return newGCM(key)
}

// Encrypt seals title, body, and serialized meta into an envelope.
func (c *Cipher) Encrypt(title, body string, meta []byte) (*entry.Envelope, error) {
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	env := &entry.Envelope{IV: iv}
	fields := []struct {
		name  string
		plain []byte
		out   *[]byte
	}{
		{"title", []byte(title), &env.Title},
		{"body", []byte(body), &env.Body},
		{"meta", meta, &env.Meta},
	}
	for _, f := range fields {
		gcm, err := c.fieldGCM(f.name)
		if err != nil {
			return nil, err
		}
		*f.out = gcm.Seal(nil, iv, f.plain, nil)
	}
	return env, nil
}

// Decrypt opens an envelope back into plaintext fields.
func (c *Cipher) Decrypt(env *entry.Envelope) (title, body string, meta []byte, err error) {
	if env == nil {
		return "", "", nil, fmt.Errorf("nil envelope")
	}
	open := func(field string, ct []byte) ([]byte, error) {
		if len(ct) == 0 {
			return nil, nil
		}
		gcm, err := c.fieldGCM(field)
		if err != nil {
			return nil, err
		}
		return gcm.Open(nil, env.IV, ct, nil)
	}
	t, err := open("title", env.Title)
	if err != nil {
		return "", "", nil, fmt.Errorf("decrypt title: %w", err)
	}
	b, err := open("body", env.Body)
	if err != nil {
		return "", "", nil, fmt.Errorf("decrypt body: %w", err)
	}
	m, err := open("meta", env.Meta)
	if err != nil {
		return "", "", nil, fmt.Errorf("decrypt meta: %w", err)
	}
	return string(t), string(b), m, nil
}

// DEKCache is the in-process DEK cache: LRU with TTL, evicted on tenant
// deletion.
type DEKCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewDEKCache creates a cache holding up to size unwrapped DEKs for ttl.
func NewDEKCache(size int, ttl time.Duration) *DEKCache {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DEKCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the cached DEK for a tenant.
func (c *DEKCache) Get(userID string) ([]byte, bool) {
	return c.lru.Get(userID)
}

// Put caches a tenant's unwrapped DEK.
func (c *DEKCache) Put(userID string, dek []byte) {
	c.lru.Add(userID, dek)
}

// Evict drops a tenant's DEK (called on tenant deletion).
func (c *DEKCache) Evict(userID string) {
	c.lru.Remove(userID)
}
