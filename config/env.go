package config

import (
	"fmt"
	"os"
)

// ResolveEnv resolves an environment-variable reference of the form $VAR or
// ${VAR}, returning the literal string unchanged when it matches neither
// pattern. A reference to an unset variable is an error; the error message
// names the variable but never echoes resolved values.
func ResolveEnv(value string) (string, error) {
	// ${VAR} syntax
	if len(value) > 3 && value[:2] == "${" && value[len(value)-1] == '}' {
		name := value[2 : len(value)-1]
		return lookupEnv(name, value)
	}
	// $VAR syntax
	if len(value) > 1 && value[0] == '$' {
		name := value[1:]
		if isEnvName(name) {
			return lookupEnv(name, value)
		}
	}
	return value, nil
}

func lookupEnv(name, ref string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not found (referenced as %q)", name, ref)
	}
	return v, nil
}

func isEnvName(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return len(s) > 0
}
