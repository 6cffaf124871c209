package tools

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/contextvault/contextvault/internal/store"
)

// SubdirCount pairs a top-level vault directory with its file count.
type SubdirCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StatusResult is the diagnostic snapshot returned by context_status.
type StatusResult struct {
	FileCount      int                    `json:"file_count"`
	Subdirs        []SubdirCount          `json:"subdirs"`
	KindCounts     []store.KindCount      `json:"kind_counts"`
	CategoryCounts []store.CategoryCount  `json:"category_counts"`
	DBSize         string                 `json:"db_size"`
	DBSizeBytes    int64                  `json:"db_size_bytes"`
	StalePaths     bool                   `json:"stale_paths"`
	StaleCount     int                    `json:"stale_count"`
	ExpiredCount   int                    `json:"expired_count"`
	Embedding      *store.EmbeddingStatus `json:"embedding_status"`
	EmbedAvailable *bool                  `json:"embed_model_available"`
	ResolvedFrom   string                 `json:"resolved_from"`
	Errors         []string               `json:"errors"`
	Warnings       []string               `json:"warnings,omitempty"`
}

// ContextStatus gathers the vault status snapshot.
func (d *Dispatcher) ContextStatus(ctx context.Context) (*StatusResult, error) {
	v, notes, err := d.run(ctx, "context_status", true, func(context.Context) (any, error) {
		return d.gatherVaultStatus()
	})
	if err != nil {
		return nil, err
	}
	res := v.(*StatusResult)
	res.Warnings = notes
	return res, nil
}

// gatherVaultStatus walks the vault tree and queries the store for the
// diagnostic snapshot. Individual probe failures land in the errors array
// instead of failing the whole call.
func (d *Dispatcher) gatherVaultStatus() (*StatusResult, error) {
	res := &StatusResult{Errors: []string{}, ResolvedFrom: d.opts.ResolvedFrom}

	// Disk view.
	subdirs := make(map[string]int)
	err := filepath.WalkDir(d.tc.VaultRoot, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() {
			if strings.HasPrefix(de.Name(), ".") && path != d.tc.VaultRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(de.Name(), ".md") {
			return nil
		}
		res.FileCount++
		if rel, err := filepath.Rel(d.tc.VaultRoot, path); err == nil {
			if i := strings.IndexByte(filepath.ToSlash(rel), '/'); i > 0 {
				subdirs[filepath.ToSlash(rel)[:i]]++
			}
		}
		return nil
	})
	if err != nil {
		res.Errors = append(res.Errors, "walk vault: "+err.Error())
	}
	for _, name := range []string{"knowledge", "entity", "event"} {
		if n, ok := subdirs[name]; ok {
			res.Subdirs = append(res.Subdirs, SubdirCount{Name: name, Count: n})
			delete(subdirs, name)
		}
	}
	for name, n := range subdirs {
		res.Subdirs = append(res.Subdirs, SubdirCount{Name: name, Count: n})
	}

	// Store view.
	if kc, err := d.tc.Store.KindCounts(d.tc.UserID); err == nil {
		res.KindCounts = kc
	} else {
		res.Errors = append(res.Errors, "kind counts: "+err.Error())
	}
	if cc, err := d.tc.Store.CategoryCounts(d.tc.UserID); err == nil {
		res.CategoryCounts = cc
	} else {
		res.Errors = append(res.Errors, "category counts: "+err.Error())
	}
	if n, err := d.tc.Store.ExpiredCount(d.tc.UserID); err == nil {
		res.ExpiredCount = n
	} else {
		res.Errors = append(res.Errors, "expired count: "+err.Error())
	}

	// Rows pointing at files that no longer exist.
	if idx, err := d.tc.Store.PathIndex(); err == nil {
		for path := range idx {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				res.StaleCount++
			}
		}
		res.StalePaths = res.StaleCount > 0
	} else {
		res.Errors = append(res.Errors, "path index: "+err.Error())
	}

	if d.tc.DBPath != "" {
		if info, err := os.Stat(d.tc.DBPath); err == nil {
			res.DBSizeBytes = info.Size()
			res.DBSize = humanSize(info.Size())
		}
	}

	if st, err := d.tc.Store.EmbeddingCoverage(d.tc.UserID); err == nil {
		res.Embedding = st
	} else {
		res.Errors = append(res.Errors, "embedding coverage: "+err.Error())
	}
	if d.tc.Embedder != nil {
		avail := d.tc.Embedder.Available()
		res.EmbedAvailable = &avail
	}

	return res, nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	val := float64(n) / float64(div)
	units := []string{"KB", "MB", "GB", "TB"}
	return strconv.FormatFloat(float64(int(val*10+0.5))/10, 'f', -1, 64) + " " + units[exp]
}
