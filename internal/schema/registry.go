// Package schema holds the registry of load targets: the table a file is
// loaded into, how its columns are renamed, which columns identify a record,
// and the validation rules applied before loading.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/dataload/internal/validate"
)

// Generic is the key of the fallback target used when detection is
// inconclusive. It validates nothing and has no table.
const Generic = "generic"

// Auto asks Resolve to detect the target from the file headers.
const Auto = "auto"

// ErrUnknownTarget is returned for a target key that was never registered.
var ErrUnknownTarget = errors.New("unknown target")

// Target describes where and how one kind of record is loaded.
type Target struct {
	Key   string
	Table string

	// Mapping renames source columns to table columns. Unmapped columns keep
	// their names.
	Mapping map[string]string

	// KeyColumns identify a record for merge and update-on-conflict.
	KeyColumns []string

	// Indicators are header substrings that vote for this target during
	// detection.
	Indicators []string

	// Rules builds a fresh rule list for each run.
	Rules func() []validate.Rule
}

// Validator returns a new Validator with the target's rules.
func (t Target) Validator() *validate.Validator {
	if t.Rules == nil {
		return validate.New()
	}
	return validate.New(t.Rules()...)
}

// Loadable reports whether the target has a table to load into.
func (t Target) Loadable() bool { return t.Table != "" }

var (
	registry   = make(map[string]Target)
	registryMu sync.RWMutex
)

// Register adds a target. Panics if the key is already registered.
func Register(t Target) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[t.Key]; exists {
		panic(fmt.Sprintf("target already registered: %s", t.Key))
	}
	registry[t.Key] = t
}

// Get returns a target by key.
func Get(key string) (Target, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	t, ok := registry[key]
	return t, ok
}

// All returns every registered target sorted by key.
func All() []Target {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Target, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Detect scores headers against every target's indicators and returns the
// key of the single best match. A header scores one point for a target if
// it contains any of the target's indicators. Ties and zero scores give
// Generic. The result is a heuristic; callers can always name a target.
func Detect(headers []string) string {
	lower := make([]string, len(headers))
	for i, h := range headers {
		lower[i] = strings.ToLower(h)
	}

	best, bestScore, tie := Generic, 0, false
	for _, t := range All() {
		if len(t.Indicators) == 0 {
			continue
		}
		score := 0
		for _, h := range lower {
			for _, ind := range t.Indicators {
				if strings.Contains(h, ind) {
					score++
					break
				}
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = t.Key, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}

	if tie || bestScore == 0 {
		return Generic
	}
	return best
}

// Resolve returns the target named by key, detecting it from headers when
// key is empty or Auto.
func Resolve(key string, headers []string) (Target, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || key == Auto {
		key = Detect(headers)
	}

	t, ok := Get(key)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, key)
	}
	return t, nil
}
