package memory

import (
	"fmt"
	"sort"
	"strings"
)

// Known long-term memory facts extracted by the backend.
const (
	FactName               = "name"
	FactAge                = "age"
	FactRecurringTopic     = "recurring_topic"
	FactPersonalPreference = "personal_preference"
	FactGoal               = "goal"
)

// LongTermMemory holds accumulated facts about the user. Values are whatever
// JSON the backend extracted (age may arrive as a number or a string), and
// keys outside the known set are carried along untouched.
type LongTermMemory map[string]any

// Merge unions fragment into prev. Newer values win per key; keys absent from
// fragment, or present with a null value, keep their previous value. Neither
// input is modified.
func Merge(prev, fragment LongTermMemory) LongTermMemory {
	out := make(LongTermMemory, len(prev)+len(fragment))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range fragment {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func (m LongTermMemory) Clone() LongTermMemory {
	if m == nil {
		return LongTermMemory{}
	}
	out := make(LongTermMemory, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value of key formatted for display, or "" when unset.
func (m LongTermMemory) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// Keys returns the fact names in a stable order.
func (m LongTermMemory) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary renders the memory as "key=value" pairs for logs.
func (m LongTermMemory) Summary() string {
	parts := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		parts = append(parts, k+"="+m.String(k))
	}
	return strings.Join(parts, ", ")
}
