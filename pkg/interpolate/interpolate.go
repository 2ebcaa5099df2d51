// Package interpolate substitutes {name} variable tokens throughout a parsed
// screenplay document. Interpolation is a pure preprocessing step: it runs
// before validation and never sees the typed model.
package interpolate

import (
	"fmt"
	"regexp"
)

var (
	tokenPattern     = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	fullTokenPattern = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
)

// ResolveVariables evaluates the declared variable bindings, allowing values
// to reference other variables. Cycles and references to undeclared names are
// errors.
func ResolveVariables(variables map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(variables))
	resolving := make(map[string]bool)

	var resolve func(name string) (any, error)
	resolve = func(name string) (any, error) {
		if v, ok := resolved[name]; ok {
			return v, nil
		}
		if resolving[name] {
			return nil, fmt.Errorf("cyclic variable reference detected for %q", name)
		}
		value, ok := variables[name]
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q in variables map", name)
		}
		resolving[name] = true
		defer delete(resolving, name)

		if s, ok := value.(string); ok {
			if m := fullTokenPattern.FindStringSubmatch(s); m != nil {
				inner, err := resolve(m[1])
				if err != nil {
					return nil, err
				}
				value = inner
			} else {
				out, err := replaceTokens(s, resolve)
				if err != nil {
					return nil, err
				}
				value = out
			}
		}
		resolved[name] = value
		return value, nil
	}

	for name := range variables {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func replaceTokens(s string, resolve func(string) (any, error)) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		v, err := resolve(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprint(v)
	})
	return out, firstErr
}

// Apply walks an arbitrary decoded YAML value and substitutes tokens in every
// string. A string that is exactly one token takes the variable's typed value;
// embedded tokens stringify. Unresolved tokens report the document path.
func Apply(data any, variables map[string]any) (any, error) {
	return apply(data, variables, "$")
}

func apply(data any, variables map[string]any, path string) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			next, err := apply(value, variables, path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = next
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			next, err := apply(item, variables, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = next
		}
		return out, nil
	case string:
		return applyString(v, variables, path)
	default:
		return data, nil
	}
}

func applyString(value string, variables map[string]any, path string) (any, error) {
	if m := fullTokenPattern.FindStringSubmatch(value); m != nil {
		v, ok := variables[m[1]]
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q at %s", m[1], path)
		}
		return v, nil
	}
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		v, ok := variables[name]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("unresolved variable %q at %s", name, path)
			}
			return match
		}
		return fmt.Sprint(v)
	})
	return out, firstErr
}
