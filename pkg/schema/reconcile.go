package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
)

// DefaultMetadataFieldPrefix marks ingestion bookkeeping columns that must
// stay out of the canonical layout. The ingestion pipeline tags its internal
// columns with this prefix.
const DefaultMetadataFieldPrefix = "_fivetran"

type ReconcilerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MetadataFieldPrefix excludes matching field names from reconciliation.
	// Defaults to DefaultMetadataFieldPrefix.
	MetadataFieldPrefix string
}

func (cfg *ReconcilerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MetadataFieldPrefix == "" {
		cfg.MetadataFieldPrefix = DefaultMetadataFieldPrefix
	}
	return nil
}

// Reconciler merges per-tenant physical schemas into a canonical layout.
type Reconciler struct {
	log *slog.Logger
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Reconciler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Reconcile merges the supplied tenant schemas for one table into a
// CanonicalLayout. It is a pure function of its inputs (modulo GeneratedAt,
// which comes from the configured clock): the same schema set always yields
// the same field list in the same order.
//
// A field present in fewer than all supplied schemas is marked partial, so
// callers decide whether tenants with a missing table participate by choosing
// whether to include their empty schemas.
func (r *Reconciler) Reconcile(tableName string, tenants []TenantSchema) (CanonicalLayout, error) {
	if tableName == "" {
		return CanonicalLayout{}, errors.New("table name is required")
	}

	byField := make(map[string][]FieldDescriptor)
	for _, ts := range tenants {
		for _, f := range ts.Fields {
			if strings.HasPrefix(f.Name, r.cfg.MetadataFieldPrefix) {
				continue
			}
			byField[f.Name] = append(byField[f.Name], f)
		}
	}

	names := make([]string, 0, len(byField))
	for name := range byField {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]ReconciledField, 0, len(names))
	conflicts := 0
	for i, name := range names {
		descriptors := byField[name]

		repeated := descriptors[0].Repeated
		mixedRepetition := false
		for _, d := range descriptors[1:] {
			if d.Repeated != repeated {
				mixedRepetition = true
				break
			}
		}

		var target Type
		var conflict bool
		if mixedRepetition {
			// No lossless representation spans scalar and repeated values;
			// fall back to the universal string representation.
			target, conflict, repeated = TypeString, true, false
		} else {
			types := make([]Type, len(descriptors))
			for j, d := range descriptors {
				types[j] = d.DeclaredType
			}
			target, conflict = Promote(types)
		}

		if conflict {
			conflicts++
			r.log.Debug("type conflict resolved",
				"table", tableName,
				"field", name,
				"types", fmt.Sprintf("%v", sortedTypeSet(descriptors)),
				"target", target)
		}

		fields = append(fields, ReconciledField{
			Name:            name,
			TargetType:      target,
			Repeated:        repeated,
			HasTypeConflict: conflict,
			Partial:         len(descriptors) < len(tenants),
			Order:           i,
		})
	}

	r.log.Debug("reconciled table layout",
		"table", tableName,
		"tenants", len(tenants),
		"fields", len(fields),
		"conflicts", conflicts)

	return CanonicalLayout{
		TableName:   tableName,
		Fields:      fields,
		GeneratedAt: r.cfg.Clock.Now().UTC(),
	}, nil
}
