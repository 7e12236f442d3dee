// Package energy owns tariff versioning and the daily/monthly aggregation
// engine over the ledger. All day and month boundaries are computed in the
// configured local timezone.
package energy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/store"
)

// TariffService manages immutable tariff versions. Creating a version never
// rewrites history in place; it supersedes the prior version and kicks off
// the chunked recompute for entries at or after the effective instant.
type TariffService struct {
	st  store.Store
	agg *Aggregator
}

// NewTariffService wires the tariff store to the aggregator's recompute path.
func NewTariffService(st store.Store, agg *Aggregator) *TariffService {
	return &TariffService{st: st, agg: agg}
}

// EnsureDefault seeds a global tariff when none exists, so cost computation
// never runs tariff-less on a fresh database.
func (s *TariffService) EnsureDefault(ctx context.Context, costPerKwhMinor int64) error {
	tariffs, err := s.st.ListTariffs(ctx)
	if err != nil {
		return err
	}
	for _, t := range tariffs {
		if t.Scope == core.TariffGlobal {
			return nil
		}
	}
	_, err = s.Create(ctx, costPerKwhMinor, time.Unix(0, 0).UTC(), core.TariffGlobal, "")
	return err
}

// Create inserts a new version, supersedes the previously active version of
// the same scope and triggers recomputation from the effective instant.
func (s *TariffService) Create(ctx context.Context, costPerKwhMinor int64, effectiveFrom time.Time, scope core.TariffScope, scopeID string) (*core.TariffVersion, error) {
	if costPerKwhMinor <= 0 {
		return nil, core.Invalidf("tariff cost must be positive")
	}
	if scope == core.TariffRoom && scopeID == "" {
		return nil, core.Invalidf("room tariff requires a room id")
	}

	tv := &core.TariffVersion{
		ID:                   uuid.NewString(),
		CostPerKwhMinor:      costPerKwhMinor,
		EffectiveFromInstant: effectiveFrom.UTC(),
		Scope:                scope,
		ScopeID:              scopeID,
	}
	if err := s.st.InsertTariff(ctx, tv); err != nil {
		return nil, err
	}

	if prev := s.activeBefore(ctx, scope, scopeID, effectiveFrom); prev != nil {
		if err := s.st.MarkSuperseded(ctx, prev.ID, tv.ID); err != nil {
			return nil, err
		}
	}

	if s.agg != nil {
		go s.agg.RecomputeFrom(context.Background(), effectiveFrom)
	}
	return tv, nil
}

// List returns every stored version.
func (s *TariffService) List(ctx context.Context) ([]*core.TariffVersion, error) {
	return s.st.ListTariffs(ctx)
}

// ResolveTariff returns the tariff active for roomID at the given instant.
// Room overrides win; otherwise the global tariff applies. Nil when no tariff
// covers the instant.
func (s *TariffService) ResolveTariff(ctx context.Context, roomID string, at time.Time) (*core.TariffVersion, error) {
	tariffs, err := s.st.ListTariffs(ctx)
	if err != nil {
		return nil, err
	}
	var room, global *core.TariffVersion
	for _, t := range tariffs {
		if t.EffectiveFromInstant.After(at) {
			continue
		}
		switch {
		case t.Scope == core.TariffRoom && t.ScopeID == roomID && roomID != "":
			if room == nil || t.EffectiveFromInstant.After(room.EffectiveFromInstant) {
				room = t
			}
		case t.Scope == core.TariffGlobal:
			if global == nil || t.EffectiveFromInstant.After(global.EffectiveFromInstant) {
				global = t
			}
		}
	}
	if room != nil {
		return room, nil
	}
	return global, nil
}

func (s *TariffService) activeBefore(ctx context.Context, scope core.TariffScope, scopeID string, before time.Time) *core.TariffVersion {
	tariffs, err := s.st.ListTariffs(ctx)
	if err != nil {
		return nil
	}
	var best *core.TariffVersion
	for _, t := range tariffs {
		if t.Scope != scope || t.ScopeID != scopeID || t.SupersededByVersion != "" {
			continue
		}
		if !t.EffectiveFromInstant.Before(before) {
			continue
		}
		if best == nil || t.EffectiveFromInstant.After(best.EffectiveFromInstant) {
			best = t
		}
	}
	return best
}
