package config

// Defaults is the store-held operating configuration (config:defaults).
// It is a free-form JSON object the review passes evolve over time, so it
// is handled as a generic map with typed accessors rather than a struct.
type Defaults map[string]any

// Merge applies overrides onto base, shallow per key: when both sides hold
// an object the override's keys merge into the base object one level deep;
// every other value replaces outright. Neither input is mutated.
func Merge(base, overrides Defaults) Defaults {
	out := make(Defaults, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overrides {
		bm, baseIsMap := out[k].(map[string]any)
		om, overIsMap := ov.(map[string]any)
		if baseIsMap && overIsMap {
			merged := make(map[string]any, len(bm))
			for mk, mv := range bm {
				merged[mk] = mv
			}
			for mk, mv := range om {
				merged[mk] = mv
			}
			out[k] = merged
			continue
		}
		out[k] = ov
	}
	return out
}

// String returns the string at key, or fallback.
func (d Defaults) String(key, fallback string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns the integer at key, or fallback. JSON numbers arrive as
// float64.
func (d Defaults) Int(key string, fallback int) int {
	switch v := d[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// Float returns the float at key, or fallback.
func (d Defaults) Float(key string, fallback float64) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// Object returns the nested object at key, or nil.
func (d Defaults) Object(key string) map[string]any {
	if v, ok := d[key].(map[string]any); ok {
		return v
	}
	return nil
}
