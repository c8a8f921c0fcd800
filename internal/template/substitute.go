// Package template expands ${name} and ${env:VAR} placeholders in driver
// arguments and environment values.
package template

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Vars holds the values placeholders resolve to, such as session.name or
// capability.browserName.
type Vars map[string]string

// Substitute replaces every placeholder in text. All unresolved names are
// reported together.
func Substitute(text string, vars Vars) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	result := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])

		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			if val, ok := os.LookupEnv(envName); ok {
				return val
			}
			errs = append(errs, fmt.Errorf("env var %q not set", envName))
			return match
		}

		if val, ok := vars[name]; ok {
			return val
		}
		errs = append(errs, fmt.Errorf("variable %q not found", name))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return result, nil
}

// SubstituteAll expands each element of values, keeping order.
func SubstituteAll(values []string, vars Vars) ([]string, error) {
	if values == nil {
		return nil, nil
	}
	result := make([]string, len(values))
	var errs []error
	for i, v := range values {
		s, err := Substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("argument %d: %w", i, err))
			continue
		}
		result[i] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return result, nil
}

// SubstituteMap expands all values of m.
func SubstituteMap(m map[string]string, vars Vars) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}

	result := make(map[string]string, len(m))
	var errs []error

	for k, v := range m {
		s, err := Substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("env %q: %w", k, err))
			continue
		}
		result[k] = s
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return result, nil
}
