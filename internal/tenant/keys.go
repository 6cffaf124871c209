package tenant

import (
	"encoding/base64"
	"fmt"

	"github.com/contextvault/contextvault/internal/crypt"
)

// Meta keys for the stored DEK material, suffixed by tenant.
const (
	metaDEKWrapped = "dek_wrapped"
	metaShareHash  = "dek_share_hash"
)

func dekKey(base, userID string) string {
	if userID == "" {
		return base
	}
	return base + ":" + userID
}

// AttachEncryption provisions (or unwraps) the tenant's DEK and attaches
// Encrypter/Decrypter capabilities to the context. The wrapped DEK and the
// client share hash are persisted in the store; the client share itself
// never is. The unwrapped DEK is cached per tenant.
func AttachEncryption(ctx *Context, kr *crypt.Keyring, cache *crypt.DEKCache, clientShare []byte) error {
	if dek, ok := cache.Get(ctx.UserID); ok {
		cipher := crypt.NewCipher(dek)
		ctx.Encrypter, ctx.Decrypter = cipher, cipher
		return nil
	}

	wrappedB64, haveDEK := ctx.Store.GetMeta(dekKey(metaDEKWrapped, ctx.UserID))
	hashB64, haveHash := ctx.Store.GetMeta(dekKey(metaShareHash, ctx.UserID))

	var dek []byte
	if haveDEK && haveHash {
		wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
		if err != nil {
			return fmt.Errorf("decode wrapped dek: %w", err)
		}
		shareHash, err := base64.StdEncoding.DecodeString(hashB64)
		if err != nil {
			return fmt.Errorf("decode share hash: %w", err)
		}
		if dek, err = kr.UnwrapDEK(wrapped, clientShare, shareHash); err != nil {
			return fmt.Errorf("unwrap tenant dek: %w", err)
		}
	} else {
		newDEK, wrapped, shareHash, err := kr.NewDEK(clientShare)
		if err != nil {
			return fmt.Errorf("provision tenant dek: %w", err)
		}
		if err := ctx.Store.SetMeta(dekKey(metaDEKWrapped, ctx.UserID),
			base64.StdEncoding.EncodeToString(wrapped)); err != nil {
			return fmt.Errorf("persist wrapped dek: %w", err)
		}
		if err := ctx.Store.SetMeta(dekKey(metaShareHash, ctx.UserID),
			base64.StdEncoding.EncodeToString(shareHash)); err != nil {
			return fmt.Errorf("persist share hash: %w", err)
		}
		dek = newDEK
	}

	cache.Put(ctx.UserID, dek)
	cipher := crypt.NewCipher(dek)
	ctx.Encrypter, ctx.Decrypter = cipher, cipher
	return nil
}
