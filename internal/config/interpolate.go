package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ${VAR} or ${VAR:-default}. Braces are required; bare $VAR is left alone.
var interpRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Interpolate substitutes environment references in s. ${VAR} fails when
// VAR is unset; ${VAR:-default} substitutes the default instead.
func Interpolate(s string) (string, error) {
	var missing []string
	out := interpRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := interpRe.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}
