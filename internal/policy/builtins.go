package policy

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
)

// DefaultPolicyName is installed for agents without an explicit policy.
const DefaultPolicyName = "fifo"

//go:embed builtin/*.json
var builtinFS embed.FS

// BuiltinNames lists the bundled policies.
func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}

// BuiltinDefinition returns the JSON of a bundled policy.
func BuiltinDefinition(name string) ([]byte, error) {
	data, err := builtinFS.ReadFile(path.Join("builtin", name+".json"))
	if err != nil {
		return nil, fmt.Errorf("unknown builtin policy %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return data, nil
}

// Builtin parses and validates a bundled policy.
func Builtin(name string, maxDepth int) (*Policy, error) {
	data, err := BuiltinDefinition(name)
	if err != nil {
		return nil, err
	}
	return Load(data, maxDepth)
}
