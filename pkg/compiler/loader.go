package compiler

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// loadYAMLFile reads a pipeline file into a generic document.
func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read pipeline file %s", path)
	}
	return parseYAML(data, path)
}

func parseYAML(data []byte, origin string) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", origin)
	}
	return doc, nil
}

// asString coerces a scalar YAML value to its string form.
func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// asStringList accepts both a single string and a list of strings, the two
// YAML spellings of script sections.
func asStringList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, e := range t {
			out = append(out, asString(e))
		}
		return out
	}
	return nil
}

// asVariables coerces a variables: block to a string map.
func asVariables(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = asString(val)
	}
	return out
}
