// Package envutil reads configuration overrides from the environment.
package envutil

import "os"

// Prefix namespaces the variables when several services share an environment
const Prefix = "SESSIONCORE_"

// Lookup returns the value of key, falling back to the prefixed form.
// Empty values count as unset.
func Lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value, true
	}
	if len(key) >= len(Prefix) && key[:len(Prefix)] == Prefix {
		return "", false
	}
	if value, ok := os.LookupEnv(Prefix + key); ok && value != "" {
		return value, true
	}
	return "", false
}

// Get is Lookup with a fallback
func Get(key, fallback string) string {
	if value, ok := Lookup(key); ok {
		return value
	}
	return fallback
}
