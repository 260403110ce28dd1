package buildcache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/cache/disk"
	"github.com/meigma/buildcache/internal/slogutil"
)

// Facade orders the cache tiers: the local store first, then each remote in
// configuration order. Lookups probe tiers in order and back-populate the
// local tier when a remote hits, so future lookups stay local. Commits go to
// the local tier first and then to each writable remote; remote failures are
// logged and never fail the invocation.
type Facade struct {
	local   *disk.Cache
	remotes []cache.Tier
	log     *slog.Logger
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithRemotes appends remote tiers, probed in order after the local tier.
func WithRemotes(tiers ...cache.Tier) FacadeOption {
	return func(f *Facade) {
		f.remotes = append(f.remotes, tiers...)
	}
}

// WithFacadeLogger sets the debug logger.
func WithFacadeLogger(log *slog.Logger) FacadeOption {
	return func(f *Facade) {
		f.log = log
	}
}

// NewFacade creates a facade over the local store.
func NewFacade(local *disk.Cache, opts ...FacadeOption) *Facade {
	f := &Facade{
		local: local,
		log:   slog.New(slogutil.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Lookup probes the tiers in order for pf and materializes the first hit.
func (f *Facade) Lookup(ctx context.Context, pf Fingerprint, files ExpectedFiles, opts cache.MaterializeOptions) (Outcome, error) {
	outcome, err := f.local.Lookup(ctx, pf, files, opts)
	if err != nil {
		return cache.Miss, err
	}
	if outcome.Hit {
		return outcome, nil
	}

	for i, tier := range f.remotes {
		payload, err := tier.FetchEntry(ctx, pf)
		if err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				f.log.Warn("remote lookup failed", "tier", tier.Name(), "fingerprint", pf, "error", err)
			}
			continue
		}

		// Remotes above the hitting tier get the entry too, so the next
		// lookup hits as early as possible.
		for _, higher := range f.remotes[:i] {
			if !higher.Writable() {
				continue
			}
			if err := higher.StoreEntry(ctx, pf, payload); err != nil {
				f.log.Warn("remote back-population failed", "tier", higher.Name(), "fingerprint", pf, "error", err)
			}
		}

		// Back-populate the local tier, then materialize from it so the
		// hit follows the exact same code path as a local one. If the
		// local tier cannot take the entry, the payload is materialized
		// directly instead.
		if f.local.Writable() {
			if err := f.local.StoreEntry(ctx, pf, payload); err != nil {
				f.log.Warn("local back-population failed", "fingerprint", pf, "error", err)
			} else if outcome, err := f.local.Lookup(ctx, pf, files, opts); err == nil && outcome.Hit {
				f.log.Debug("remote cache hit", "tier", tier.Name(), "fingerprint", pf)
				return outcome, nil
			}
		}

		outcome, err := f.local.MaterializePayload(payload, files, opts)
		if err != nil {
			f.log.Warn("remote materialization failed", "tier", tier.Name(), "fingerprint", pf, "error", err)
			continue
		}
		if outcome.Hit {
			return outcome, nil
		}
	}
	return cache.Miss, nil
}

// Add commits an entry to the local tier and pushes it to every writable
// remote.
func (f *Facade) Add(ctx context.Context, pf Fingerprint, entry Entry, files ExpectedFiles, allowHardLinks bool) error {
	if !f.local.Writable() {
		return cache.ErrReadOnly
	}
	if err := f.local.Add(ctx, pf, entry, files, allowHardLinks); err != nil {
		return err
	}

	writables := f.writableRemotes()
	if len(writables) == 0 {
		return nil
	}
	payload, err := f.local.FetchEntry(ctx, pf)
	if err != nil {
		f.log.Warn("cannot export entry for remote push", "fingerprint", pf, "error", err)
		return nil
	}
	for _, tier := range writables {
		if err := tier.StoreEntry(ctx, pf, payload); err != nil {
			f.log.Warn("remote commit failed", "tier", tier.Name(), "fingerprint", pf, "error", err)
		}
	}
	return nil
}

// LookupDirect probes the tiers for a direct-mode record for df, validates
// it against the current implicit-input contents, and on success resolves
// the entry through Lookup.
func (f *Facade) LookupDirect(ctx context.Context, df Fingerprint, files ExpectedFiles, opts cache.MaterializeOptions) (Outcome, error) {
	outcome, err := f.local.LookupDirect(ctx, df, files, opts)
	if err != nil {
		return cache.Miss, err
	}
	if outcome.Hit {
		return outcome, nil
	}

	for _, tier := range f.remotes {
		rec, err := tier.FetchDirect(ctx, df)
		if err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				f.log.Warn("remote direct lookup failed", "tier", tier.Name(), "fingerprint", df, "error", err)
			}
			continue
		}
		if rec.Stale() {
			continue
		}
		outcome, err := f.Lookup(ctx, rec.PF, files, opts)
		if err != nil || !outcome.Hit {
			continue
		}
		if f.local.Writable() {
			if err := f.local.StoreDirect(ctx, df, rec); err != nil {
				f.log.Warn("local direct back-population failed", "fingerprint", df, "error", err)
			}
		}
		return outcome, nil
	}
	return cache.Miss, nil
}

// AddDirect pins the implicit inputs and stores the df → pf record in the
// local tier and every writable remote.
func (f *Facade) AddDirect(ctx context.Context, df, pf Fingerprint, implicitInputs []string) error {
	if !f.local.Writable() {
		return cache.ErrReadOnly
	}
	rec, err := cache.NewDirectRecord(pf, implicitInputs)
	if err != nil {
		return err
	}
	if err := f.local.AddDirect(ctx, df, rec); err != nil {
		return err
	}
	for _, tier := range f.writableRemotes() {
		if err := tier.StoreDirect(ctx, df, rec); err != nil {
			f.log.Warn("remote direct commit failed", "tier", tier.Name(), "fingerprint", df, "error", err)
		}
	}
	return nil
}

func (f *Facade) writableRemotes() []cache.Tier {
	var out []cache.Tier
	for _, tier := range f.remotes {
		if tier.Writable() {
			out = append(out, tier)
		}
	}
	return out
}
