package buildcache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/cache/disk"
	"github.com/meigma/buildcache/cache/remote"
	"github.com/meigma/buildcache/config"
	"github.com/meigma/buildcache/internal/kvstore"
	"github.com/meigma/buildcache/internal/slogutil"
)

// New wires a Driver from a configuration snapshot: the debug logger, the
// local store, the remote tiers, and the facade ordering them.
func New(cfg config.Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := slogutil.New(cfg.Log)

	local, err := disk.New(cfg.CacheDir,
		disk.WithMaxSize(cfg.MaxCacheSize),
		disk.WithReadOnly(cfg.ReadOnly),
		disk.WithLockTimeout(cfg.LockTimeout),
		disk.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	tiers := make([]cache.Tier, 0, len(cfg.Remotes))
	for _, r := range cfg.Remotes {
		tier, err := remote.New(r.URL, remote.WithReadOnly(r.ReadOnly || cfg.ReadOnly))
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.URL, err)
		}
		tiers = append(tiers, tier)
	}

	facade := NewFacade(local, WithRemotes(tiers...), WithFacadeLogger(log))
	return NewDriver(cfg, facade, WithLogger(log))
}

// Housekeep runs a full maintenance sweep over the cache root: crash
// leftovers and quarantined entries are removed, expired program-id items
// are purged, and the size bound is enforced.
func Housekeep(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := slogutil.New(cfg.Log)

	local, err := disk.New(cfg.CacheDir,
		disk.WithMaxSize(cfg.MaxCacheSize),
		disk.WithReadOnly(cfg.ReadOnly),
		disk.WithLockTimeout(cfg.LockTimeout),
		disk.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if err := local.Housekeep(ctx); err != nil {
		return err
	}

	prgid, err := kvstore.New(
		filepath.Join(cfg.CacheDir, programIDStoreName),
		kvstore.WithReadOnly(cfg.ReadOnly),
	)
	if err != nil {
		return err
	}
	return prgid.Purge()
}
