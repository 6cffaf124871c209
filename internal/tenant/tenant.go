// Package tenant scopes the engine to one tenant: its store, embedder,
// tier limits, and optional encryption capabilities.
package tenant

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/contextvault/contextvault/internal/embedding"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/store"
)

// Encrypter seals entry content before it is persisted.
type Encrypter interface {
	Encrypt(title, body string, meta []byte) (*entry.Envelope, error)
}

// Decrypter opens sealed content at the read boundary.
type Decrypter interface {
	Decrypt(env *entry.Envelope) (title, body string, meta []byte, err error)
}

// LimitChecker enforces tier caps before a write.
type LimitChecker interface {
	CheckWrite(addBytes int64) error
}

// Tier caps a tenant's footprint. Zero values mean unlimited.
type Tier struct {
	Name       string
	MaxEntries int
	MaxStorage int64
}

// Tiers is the built-in tier table. The engine consumes a pre-validated
// tier name; billing is someone else's problem.
var Tiers = map[string]Tier{
	"free":      {Name: "free", MaxEntries: 1000, MaxStorage: 50 * 1024 * 1024},
	"pro":       {Name: "pro", MaxEntries: 50000, MaxStorage: 1024 * 1024 * 1024},
	"unlimited": {Name: "unlimited"},
}

// Context carries everything an operation needs for one tenant. Hosted and
// local deployments share every code path; they differ only in which
// capabilities the context carries.
type Context struct {
	Store     *store.DB
	Embedder  *embedding.Lazy
	VaultRoot string
	DBPath    string
	UserID    string // "" means local/unscoped
	TeamID    string
	DecayDays int

	Encrypter Encrypter    // optional
	Decrypter Decrypter    // optional
	Limits    LimitChecker // optional
}

// CheckWrite runs the limit check when the context carries one. Limits are
// advisory: checked once per request, races accepted.
func (c *Context) CheckWrite(addBytes int64) error {
	if c.Limits == nil {
		return nil
	}
	return c.Limits.CheckWrite(addBytes)
}

// StoreLimits is the LimitChecker backed by live store counts.
type StoreLimits struct {
	Store  *store.DB
	UserID string
	Tier   Tier
}

// CheckWrite compares live entry count and storage bytes against the tier.
func (l *StoreLimits) CheckWrite(addBytes int64) error {
	if l.Tier.MaxEntries > 0 {
		n, err := l.Store.CountEntries(l.UserID)
		if err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		if n >= l.Tier.MaxEntries {
			return errs.New(errs.LimitExceeded,
				"entry limit reached (%d/%d on tier %s)", n, l.Tier.MaxEntries, l.Tier.Name)
		}
	}
	if l.Tier.MaxStorage > 0 {
		used, err := l.Store.StorageBytes(l.UserID)
		if err != nil {
			return fmt.Errorf("storage bytes: %w", err)
		}
		if used+addBytes > l.Tier.MaxStorage {
			return errs.New(errs.LimitExceeded,
				"storage limit reached (%d/%d bytes on tier %s)", used, l.Tier.MaxStorage, l.Tier.Name)
		}
	}
	return nil
}

// Pool opens per-tenant contexts lazily, one physical store per tenant.
// Path scoping is enforced here: every tenant's vault and database live
// under its own subdirectory.
type Pool struct {
	mu       sync.Mutex
	baseDir  string
	open     map[string]*Context
	newEmbed func() *embedding.Lazy
	tier     func(userID string) Tier
	wrap     func(ctx *Context) error // attaches encryption capabilities
}

// NewPool creates a per-tenant context pool rooted at baseDir.
func NewPool(baseDir string, newEmbed func() *embedding.Lazy, tier func(string) Tier, wrap func(*Context) error) *Pool {
	return &Pool{
		baseDir:  baseDir,
		open:     make(map[string]*Context),
		newEmbed: newEmbed,
		tier:     tier,
		wrap:     wrap,
	}
}

// Get returns the tenant's context, opening its store on first use.
func (p *Pool) Get(userID string) (*Context, error) {
	if userID == "" {
		return nil, errs.New(errs.InvalidInput, "per-tenant mode requires a user id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx, ok := p.open[userID]; ok {
		return ctx, nil
	}

	root := filepath.Join(p.baseDir, "tenants", userID)
	db, err := store.Open(filepath.Join(root, "vault.db"))
	if err != nil {
		return nil, fmt.Errorf("open tenant store: %w", err)
	}
	vaultRoot := filepath.Join(root, "vault")
	if err := os.MkdirAll(vaultRoot, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tenant vault: %w", err)
	}

	ctx := &Context{
		Store:     db,
		Embedder:  p.newEmbed(),
		VaultRoot: vaultRoot,
		UserID:    userID,
		DecayDays: 30,
	}
	t := Tiers["free"]
	if p.tier != nil {
		t = p.tier(userID)
	}
	ctx.Limits = &StoreLimits{Store: db, UserID: userID, Tier: t}
	if p.wrap != nil {
		if err := p.wrap(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	p.open[userID] = ctx
	return ctx, nil
}

// Close closes every open tenant store.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, ctx := range p.open {
		if err := ctx.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.open, id)
	}
	return firstErr
}
