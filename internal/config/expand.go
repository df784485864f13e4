package config

import (
	"os"
	"regexp"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${NAME} token in value with the aggregator
// process's environment value for NAME. Unset variables are preserved
// literally: configs pasted from other MCP clients often reference variables
// that only exist on the author's machine, and failing fast would make them
// unloadable here.
func ExpandEnv(value string) string {
	return envRefPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// ExpandEnvMap expands every value of m, returning a new map. Nil in, nil out.
func ExpandEnvMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandEnv(v)
	}
	return out
}
