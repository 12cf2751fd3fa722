package schema

import "sort"

// numericRank orders the lossless widening chain INT64 < NUMERIC < FLOAT64.
// Pairs drawn entirely from this chain widen to the widest member; every
// other mixed pair falls back to STRING.
var numericRank = map[Type]int{
	TypeInt64:   1,
	TypeNumeric: 2,
	TypeFloat64: 3,
}

// Promote resolves a set of declared types to a single target type. It is a
// total function: any non-empty input resolves, with STRING as the universal
// fallback. The second return reports whether the input disagreed (more than
// one distinct type).
func Promote(types []Type) (Type, bool) {
	distinct := make(map[Type]struct{}, len(types))
	for _, t := range types {
		distinct[t] = struct{}{}
	}
	if len(distinct) == 0 {
		return TypeString, false
	}
	if len(distinct) == 1 {
		for t := range distinct {
			return t, false
		}
	}

	if _, hasString := distinct[TypeString]; hasString {
		return TypeString, true
	}

	widest := 0
	allNumeric := true
	for t := range distinct {
		rank, ok := numericRank[t]
		if !ok {
			allNumeric = false
			break
		}
		if rank > widest {
			widest = rank
		}
	}
	if allNumeric {
		for t, rank := range numericRank {
			if rank == widest {
				return t, true
			}
		}
	}

	// Non-numeric disagreement (BOOL vs INT64, DATE vs TIMESTAMP, anything
	// with JSON or BYTES): no lossless widening exists.
	return TypeString, true
}

// Widens reports whether from converts to to without loss, so an
// unconditional cast is safe. Equal types trivially widen.
func Widens(from, to Type) bool {
	if from == to {
		return true
	}
	fromRank, fromOK := numericRank[from]
	toRank, toOK := numericRank[to]
	return fromOK && toOK && fromRank < toRank
}

// sortedTypeSet returns the distinct types of descriptors in a stable order,
// for logging.
func sortedTypeSet(descriptors []FieldDescriptor) []Type {
	seen := make(map[Type]struct{}, len(descriptors))
	out := make([]Type, 0, len(descriptors))
	for _, d := range descriptors {
		if _, ok := seen[d.DeclaredType]; ok {
			continue
		}
		seen[d.DeclaredType] = struct{}{}
		out = append(out, d.DeclaredType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
