package variables

import (
	"regexp"

	"github.com/pkg/errors"
)

var (
	// varRegexp matches $NAME and ${NAME} references.
	varRegexp *regexp.Regexp
)

func init() {
	r, err := regexp.Compile(`\$(\w+)|\$\{(\w+)\}`)
	if err != nil {
		panic(errors.Wrap(err, "cannot compile variable regexp"))
	}
	varRegexp = r
}

// ExpandText replaces each $NAME or ${NAME} with scope[NAME] when present,
// leaving unknown references as written. Expansion is not recursive.
func ExpandText(text string, scope map[string]string) string {
	return varRegexp.ReplaceAllStringFunc(text, func(matched string) string {
		name := varRegexp.FindStringSubmatch(matched)
		key := name[1]
		if key == "" {
			key = name[2]
		}
		if val, ok := scope[key]; ok {
			return val
		}
		return matched
	})
}

// ExpandVariables applies ExpandText to each value, yielding a new scope.
func ExpandVariables(vars map[string]string, scope map[string]string) map[string]string {
	expanded := make(map[string]string, len(vars))
	for k, v := range vars {
		expanded[k] = ExpandText(v, scope)
	}
	return expanded
}

// Compose merges the given scopes in order, later layers winning.
func Compose(layers ...map[string]string) map[string]string {
	scope := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			scope[k] = v
		}
	}
	return scope
}
