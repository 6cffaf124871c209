package tenant

import (
	"testing"
	"time"

	"github.com/contextvault/contextvault/internal/crypt"
	"github.com/contextvault/contextvault/internal/embedding"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/store"
)

func seedEntries(t *testing.T, db *store.DB, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := &entry.Entry{
			ID:        entry.NewID(),
			Kind:      "insight",
			Category:  entry.Knowledge,
			Body:      "some body content for sizing",
			FilePath:  "/vault/knowledge/insights/" + entry.NewID() + ".md",
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			UserID:    userID,
		}
		row, err := store.FromEntry(e, "h")
		if err != nil {
			t.Fatal(err)
		}
		if err := db.InsertEntry(row, nil); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStoreLimitsMaxEntries(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	limits := &StoreLimits{Store: db, UserID: "", Tier: Tier{Name: "tiny", MaxEntries: 3}}
	seedEntries(t, db, "", 2)
	if err := limits.CheckWrite(100); err != nil {
		t.Errorf("under limit: %v", err)
	}
	seedEntries(t, db, "", 1)
	err = limits.CheckWrite(100)
	if errs.CodeOf(err) != errs.LimitExceeded {
		t.Errorf("at limit: %v", err)
	}
}

func TestStoreLimitsMaxStorage(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	limits := &StoreLimits{Store: db, UserID: "", Tier: Tier{Name: "tiny", MaxStorage: 64}}
	if err := limits.CheckWrite(10); err != nil {
		t.Errorf("empty store: %v", err)
	}
	seedEntries(t, db, "", 2) // two 28-byte bodies
	err = limits.CheckWrite(64)
	if errs.CodeOf(err) != errs.LimitExceeded {
		t.Errorf("over storage: %v", err)
	}
}

func TestLimitsScopedPerTenant(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	seedEntries(t, db, "user-a", 3)
	limitsB := &StoreLimits{Store: db, UserID: "user-b", Tier: Tier{Name: "tiny", MaxEntries: 3}}
	if err := limitsB.CheckWrite(10); err != nil {
		t.Errorf("tenant b blocked by tenant a's rows: %v", err)
	}
}

func TestContextWithoutLimitsAllowsWrites(t *testing.T) {
	c := &Context{}
	if err := c.CheckWrite(1 << 30); err != nil {
		t.Errorf("nil limit checker blocked a write: %v", err)
	}
}

func TestAttachEncryptionProvisionsAndReuses(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	kr := crypt.NewKeyring([]byte("master"))
	cache := crypt.NewDEKCache(8, time.Minute)
	share := []byte("client share")

	ctx := &Context{Store: db, UserID: "user-a"}
	if err := AttachEncryption(ctx, kr, cache, share); err != nil {
		t.Fatalf("AttachEncryption: %v", err)
	}
	if ctx.Encrypter == nil || ctx.Decrypter == nil {
		t.Fatal("capabilities not attached")
	}

	env, err := ctx.Encrypter.Encrypt("t", "secret body", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A second context with the same share unwraps the persisted DEK and
	// can decrypt what the first sealed.
	cache.Evict("user-a")
	ctx2 := &Context{Store: db, UserID: "user-a"}
	if err := AttachEncryption(ctx2, kr, cache, share); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	_, body, _, err := ctx2.Decrypter.Decrypt(env)
	if err != nil || body != "secret body" {
		t.Errorf("decrypt = %q, %v", body, err)
	}

	// A wrong share is rejected.
	cache.Evict("user-a")
	ctx3 := &Context{Store: db, UserID: "user-a"}
	if err := AttachEncryption(ctx3, kr, cache, []byte("wrong")); err == nil {
		t.Error("wrong client share accepted")
	}
}

func TestPoolIsolatesTenants(t *testing.T) {
	base := t.TempDir()
	pool := NewPool(base,
		func() *embedding.Lazy { return embedding.NewLazyWith(nil) },
		nil, nil)
	defer pool.Close()

	a, err := pool.Get("user-a")
	if err != nil {
		t.Fatalf("open tenant a: %v", err)
	}
	b, err := pool.Get("user-b")
	if err != nil {
		t.Fatalf("open tenant b: %v", err)
	}
	if a.Store == b.Store {
		t.Error("tenants share a physical store")
	}
	if a.VaultRoot == b.VaultRoot {
		t.Error("tenants share a vault root")
	}

	seedEntries(t, a.Store, "user-a", 1)
	if n, _ := b.Store.CountEntries("user-b"); n != 0 {
		t.Errorf("tenant b sees %d entries", n)
	}

	// Same id returns the cached context.
	again, err := pool.Get("user-a")
	if err != nil || again != a {
		t.Errorf("pool reopened tenant a: %v", err)
	}

	if _, err := pool.Get(""); errs.CodeOf(err) != errs.InvalidInput {
		t.Errorf("empty user id: %v", err)
	}
}
