// Package registry is the process-wide source of truth for which contract
// identifier is bound to which logical role, and which identifiers are
// currently active and should be streamed.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/bridge/pkg/bridgeerr"
)

// Role is a stable logical slot whose bound identifier changes on rollover.
type Role string

// Identifier is an opaque contract code, comparable only by equality.
type Identifier string

// Timeframe is a desired bar/tick resolution for a symbol.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe30Min Timeframe = "30m"
	TimeframeDaily Timeframe = "daily"
	TimeframeTick  Timeframe = "tick"
)

// Record describes one tracked contract.
type Record struct {
	Identifier Identifier
	Role       Role
	AssetClass string
	Expiration time.Time
	Rollover   time.Time
	Priority   int
	Timeframes []Timeframe
	IsPrimary  bool
}

// SymbolConfig is the on-disk representation of a Record, as parsed from
// the symbol configuration file (see pkg/config).
type SymbolConfig struct {
	Identifier string    `yaml:"identifier"`
	Role       string    `yaml:"role"`
	AssetClass string    `yaml:"asset_class"`
	Expiration time.Time `yaml:"expiration"`
	Rollover   time.Time `yaml:"rollover"`
	Priority   int       `yaml:"priority"`
	Timeframes []string  `yaml:"timeframes"`
	IsPrimary  bool      `yaml:"is_primary"`
}

// RolloverAlert reports an upcoming role handover, for monitoring.
type RolloverAlert struct {
	Role Role
	From Identifier
	// To is the queued successor identifier, if the configuration has
	// already supplied one; empty if no successor has been configured yet.
	To        Identifier
	DaysUntil int
}

// table is the immutable snapshot swapped atomically on Reload.
type table struct {
	byRole       map[Role]Record
	byIdentifier map[Identifier]Record
	all          []Record
	// nextByRole records, for a role whose configuration listed more than
	// one candidate record, the identifier that lost buildTable's
	// later-rollover tiebreak: the contract queued to take over the role
	// once the current record's own rollover passes.
	nextByRole map[Role]Identifier
}

// Listener is notified after every successful Reload, so dependents (the
// File Watcher's pattern table, in particular) can update without polling.
type Listener func(records []Record)

// Registry is the single reader of symbol configuration on the hot path.
type Registry struct {
	current   atomic.Pointer[table]
	listeners []Listener
}

// New builds a Registry from an initial set of symbol configs. It fails
// the same way Reload does: structurally invalid input, or any role left
// unbound, is rejected outright.
func New(cfgs []SymbolConfig, now time.Time) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(cfgs, now); err != nil {
		return nil, err
	}
	return r, nil
}

// OnReload registers a listener invoked synchronously after a successful Reload.
func (r *Registry) OnReload(l Listener) {
	r.listeners = append(r.listeners, l)
}

// CurrentIdentifier answers "which contract is role R bound to in the table
// built by the last successful Reload". Pure and constant-time: no I/O and
// no clock read. The binding does not change by itself when a rollover
// date passes; the clock is consulted only by Reload, to drop expired
// records.
func (r *Registry) CurrentIdentifier(role Role) (Identifier, bool) {
	t := r.current.Load()
	if t == nil {
		return "", false
	}
	rec, ok := t.byRole[role]
	if !ok {
		return "", false
	}
	return rec.Identifier, true
}

// Lookup returns the Record for a known identifier.
func (r *Registry) Lookup(id Identifier) (Record, bool) {
	t := r.current.Load()
	if t == nil {
		return Record{}, false
	}
	rec, ok := t.byIdentifier[id]
	return rec, ok
}

// ActiveRecords returns a snapshot view of every currently tracked record.
func (r *Registry) ActiveRecords() []Record {
	t := r.current.Load()
	if t == nil {
		return nil
	}
	out := make([]Record, len(t.all))
	copy(out, t.all)
	return out
}

// RolloverAlerts computes, from configured rollover dates and the wall
// clock, which roles are approaching a handover.
func (r *Registry) RolloverAlerts(now time.Time) []RolloverAlert {
	t := r.current.Load()
	if t == nil {
		return nil
	}
	var alerts []RolloverAlert
	for _, rec := range t.all {
		if rec.Rollover.IsZero() {
			continue
		}
		days := int(rec.Rollover.Sub(now).Hours() / 24)
		if days < 0 {
			continue
		}
		alerts = append(alerts, RolloverAlert{
			Role:      rec.Role,
			From:      rec.Identifier,
			To:        t.nextByRole[rec.Role],
			DaysUntil: days,
		})
	}
	return alerts
}

// Reload validates a candidate configuration and, only if it is
// structurally sound and leaves no role unbound, atomically swaps it in.
// On failure the previous table is left untouched (no partial application).
func (r *Registry) Reload(cfgs []SymbolConfig, now time.Time) error {
	next, err := buildTable(cfgs, now)
	if err != nil {
		return err
	}
	r.current.Store(next)

	records := make([]Record, len(next.all))
	copy(records, next.all)
	for _, l := range r.listeners {
		l(records)
	}
	return nil
}

func buildTable(cfgs []SymbolConfig, now time.Time) (*table, error) {
	t := &table{
		byRole:       make(map[Role]Record),
		byIdentifier: make(map[Identifier]Record),
		nextByRole:   make(map[Role]Identifier),
	}

	// referencedRoles is every role named by cfgs, independent of whether
	// its record survived the expiration filter below: a role is only
	// considered bound if something in t.byRole answers for it, not
	// merely because the role set as a whole is non-empty.
	referencedRoles := make(map[Role]struct{})

	for _, c := range cfgs {
		if c.Identifier == "" {
			return nil, bridgeerr.New(bridgeerr.KindConfigInvalid, "registry.Reload", "", "symbol record missing identifier")
		}
		if c.Role == "" {
			return nil, bridgeerr.New(bridgeerr.KindConfigInvalid, "registry.Reload", c.Identifier, "symbol record missing role")
		}
		referencedRoles[Role(c.Role)] = struct{}{}

		// A record whose expiration has already passed is retired: its
		// role must be bound by a successor record instead.
		if !c.Expiration.IsZero() && !c.Expiration.After(now) {
			continue
		}

		tfs := make([]Timeframe, 0, len(c.Timeframes))
		for _, tf := range c.Timeframes {
			tfs = append(tfs, Timeframe(tf))
		}

		rec := Record{
			Identifier: Identifier(c.Identifier),
			Role:       Role(c.Role),
			AssetClass: c.AssetClass,
			Expiration: c.Expiration,
			Rollover:   c.Rollover,
			Priority:   c.Priority,
			Timeframes: tfs,
			IsPrimary:  c.IsPrimary,
		}

		if existing, ok := t.byRole[rec.Role]; ok {
			// Prefer whichever record rolls over later: the other is the
			// predecessor already superseded, but still worth surfacing
			// as the role's queued successor.
			if rec.Rollover.Before(existing.Rollover) {
				t.nextByRole[rec.Role] = rec.Identifier
				continue
			}
			t.nextByRole[rec.Role] = existing.Identifier
		}

		t.byRole[rec.Role] = rec
		t.byIdentifier[rec.Identifier] = rec
	}

	if len(referencedRoles) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindConfigInvalid, "registry.Reload", "", "no active symbol records after applying config")
	}
	for role := range referencedRoles {
		if _, ok := t.byRole[role]; !ok {
			return nil, bridgeerr.New(bridgeerr.KindConfigInvalid, "registry.Reload", string(role), "role left unbound after applying config")
		}
	}

	t.all = make([]Record, 0, len(t.byIdentifier))
	for _, rec := range t.byIdentifier {
		t.all = append(t.all, rec)
	}

	return t, nil
}
