package enhancer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/settings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ModelSource fetches the raw model list from the provider.
type ModelSource interface {
	ListModels(ctx context.Context, key string) ([]model.ModelInfo, error)
}

// Credentials exposes the current configuration snapshot.
type Credentials interface {
	Get() settings.Snapshot
}

// 仅保留适合改写文本的模型
var excludedModelMarkers = []string{"image", "vision", "audio", "embed", "tts", "whisper"}

// Snapshot is an immutable model list. It is replaced wholesale on refresh.
type Snapshot struct {
	Models            []model.ModelInfo `json:"models"`
	FetchedAt         time.Time         `json:"fetchedAt"`
	CredentialVersion uint64            `json:"-"`
}

// Contains reports whether id is part of the snapshot.
func (s *Snapshot) Contains(id string) bool {
	for _, m := range s.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Snapshot) fresh(version uint64) bool {
	return s != nil && s.CredentialVersion == version
}

// Catalog caches the enhancement model list.
type Catalog struct {
	source    ModelSource
	creds     Credentials
	cachePath string
	logger    *logging.Logger

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// NewCatalog creates a Catalog. When cachePath is non-empty the last snapshot is
// loaded from and written back to that file.
func NewCatalog(source ModelSource, creds Credentials, cachePath string, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.L()
	}
	c := &Catalog{
		source:    source,
		creds:     creds,
		cachePath: strings.TrimSpace(cachePath),
		logger:    logger.Named("catalog"),
	}
	if c.cachePath != "" {
		if snap, err := loadSnapshot(c.cachePath); err == nil {
			// 缓存文件属于启动时的凭据
			snap.CredentialVersion = creds.Get().CredentialVersion
			c.current.Store(snap)
			c.logger.Info("loaded model cache", zap.Int("models", len(snap.Models)), zap.Time("fetched_at", snap.FetchedAt))
		} else if !os.IsNotExist(err) {
			c.logger.Warn("model cache unreadable", zap.Error(err))
		}
	}
	return c
}

// Cached returns the current snapshot without fetching.
func (c *Catalog) Cached() (*Snapshot, bool) {
	snap := c.current.Load()
	return snap, snap != nil
}

// List returns the model list. Without forceRefresh a snapshot fetched under
// the current credential is returned as-is; one from an older credential is
// refetched. A failed fetch returns the previous snapshot (if any) together
// with a CatalogUnavailable error.
func (c *Catalog) List(ctx context.Context, forceRefresh bool) (Snapshot, error) {
	cfg := c.creds.Get()
	if !cfg.Configured() {
		return Snapshot{}, model.Errorf(model.KindUnconfigured, "enhancement credential not configured")
	}

	if !forceRefresh {
		if snap := c.current.Load(); snap.fresh(cfg.CredentialVersion) {
			return *snap, nil
		}
		key := "models:" + strconv.FormatUint(cfg.CredentialVersion, 10)
		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			if snap := c.current.Load(); snap.fresh(cfg.CredentialVersion) {
				return snap, nil
			}
			return c.fetch(ctx, cfg)
		})
		snap, _ := v.(*Snapshot)
		if snap == nil {
			return Snapshot{}, err
		}
		return *snap, err
	}

	snap, err := c.fetch(ctx, cfg)
	if snap == nil {
		return Snapshot{}, err
	}
	return *snap, err
}

func (c *Catalog) fetch(ctx context.Context, cfg settings.Snapshot) (*Snapshot, error) {
	start := time.Now()
	raw, err := c.source.ListModels(ctx, cfg.Credential)
	if err != nil {
		c.logger.Warn("model fetch failed", zap.Error(err))
		return c.current.Load(), model.NewError(model.KindCatalogUnavailable, "could not fetch enhancement models", err)
	}

	snap := &Snapshot{
		Models:            filterModels(raw),
		FetchedAt:         time.Now(),
		CredentialVersion: cfg.CredentialVersion,
	}
	c.current.Store(snap)
	c.logger.Info("model list refreshed",
		zap.Int("fetched", len(raw)),
		zap.Int("kept", len(snap.Models)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if c.cachePath != "" {
		if err := writeSnapshot(c.cachePath, snap); err != nil {
			c.logger.Warn("write model cache failed", zap.Error(err))
		}
	}
	return snap, nil
}

func filterModels(raw []model.ModelInfo) []model.ModelInfo {
	out := make([]model.ModelInfo, 0, len(raw))
	for _, m := range raw {
		id := strings.ToLower(m.ID)
		skip := false
		for _, marker := range excludedModelMarkers {
			if strings.Contains(id, marker) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse model cache: %w", err)
	}
	return &snap, nil
}

func writeSnapshot(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
