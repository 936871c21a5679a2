// Package envconfig reads PEFTCONV_* environment variables.
package envconfig

import (
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool returns a function reporting whether the named variable is set to a
// truthy value. A value that does not parse as a bool counts as set.
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Debug enables debug logging. Set via PEFTCONV_DEBUG in the environment.
var Debug = Bool("PEFTCONV_DEBUG")
