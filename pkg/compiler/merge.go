package compiler

import (
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
)

// resolveExtends flattens the extends: chain of the named entry. Bases are
// resolved before derived entries; a list of bases merges in order, later
// bases winning, and the entry's own keys win over every base.
func resolveExtends(doc map[string]interface{}, name string, seen map[string]bool) (map[string]interface{}, error) {
	raw, ok := doc[name].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("job %s extends %s, but it cannot be found", strings.Join(keys(seen), ", "), name)
	}
	if seen[name] {
		return nil, errors.Errorf("extends cycle detected: %s -> %s", strings.Join(keys(seen), " -> "), name)
	}
	seen[name] = true
	defer delete(seen, name)

	bases := asStringList(raw["extends"])
	if len(bases) == 0 {
		return copyMap(raw), nil
	}

	merged := make(map[string]interface{})
	for _, base := range bases {
		resolved, err := resolveExtends(doc, base, seen)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&merged, resolved, mergo.WithOverride); err != nil {
			return nil, errors.Wrapf(err, "cannot merge base %s into %s", base, name)
		}
	}
	own := copyMap(raw)
	delete(own, "extends")
	if err := mergo.Merge(&merged, own, mergo.WithOverride); err != nil {
		return nil, errors.Wrapf(err, "cannot merge job %s over its bases", name)
	}
	return merged, nil
}

// normalizeJob turns a flattened raw job map into a typed descriptor.
// Rule outcome fields are settled later by the compiler.
func normalizeJob(name string, raw map[string]interface{}) (*api.Job, error) {
	j := &api.Job{
		Name:          name,
		Stage:         "test",
		Scripts:       asStringList(raw["script"]),
		BeforeScripts: asStringList(raw["before_script"]),
		AfterScripts:  asStringList(raw["after_script"]),
		Variables:     asVariables(raw["variables"]),
		Coverage:      asString(raw["coverage"]),
		When:          api.WhenOnSuccess,
	}

	if s := asString(raw["stage"]); s != "" {
		j.Stage = s
	}
	if w := asString(raw["when"]); w != "" {
		j.When = w
	}
	if af, isBool := raw["allow_failure"].(bool); isBool {
		j.AllowFailure = af
	}
	if b, isBool := raw["interactive"].(bool); isBool {
		j.Interactive = b
	}
	if b, isBool := raw["injectSSHAgent"].(bool); isBool {
		j.InjectSSHAgent = b
	}

	var err error
	if j.Image, err = asImage(raw["image"]); err != nil {
		return nil, errors.Wrapf(err, "job %s", name)
	}
	if j.Needs, err = asNeeds(raw["needs"]); err != nil {
		return nil, errors.Wrapf(err, "job %s", name)
	}
	if j.Rules, err = asRules(raw["rules"]); err != nil {
		return nil, errors.Wrapf(err, "job %s", name)
	}
	if j.Artifacts, err = asArtifacts(raw["artifacts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s", name)
	}
	if j.Cache, err = asCache(raw["cache"]); err != nil {
		return nil, errors.Wrapf(err, "job %s", name)
	}
	return j, nil
}

// asImage accepts `image: name` and `image: {name: ..., entrypoint: [...]}`.
// A bare name without tag implies :latest.
func asImage(v interface{}) (*api.Image, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &api.Image{Name: withDefaultTag(t)}, nil
	case map[string]interface{}:
		name := asString(t["name"])
		if name == "" {
			return nil, errors.New("image map needs a name")
		}
		return &api.Image{
			Name:       withDefaultTag(name),
			Entrypoint: asStringList(t["entrypoint"]),
		}, nil
	}
	return nil, errors.Errorf("malformed image %v", v)
}

func withDefaultTag(image string) string {
	slash := strings.LastIndex(image, "/")
	if !strings.Contains(image[slash+1:], ":") {
		return image + ":latest"
	}
	return image
}

// asNeeds accepts both plain names and {job: name} maps. A present but
// empty list stays non-nil, it means "no predecessors".
func asNeeds(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, isList := v.([]interface{})
	if !isList {
		return nil, errors.Errorf("malformed needs %v", v)
	}
	needs := make([]string, 0, len(list))
	for _, e := range list {
		switch t := e.(type) {
		case string:
			needs = append(needs, t)
		case map[string]interface{}:
			name := asString(t["job"])
			if name == "" {
				return nil, errors.Errorf("malformed needs entry %v", e)
			}
			needs = append(needs, name)
		default:
			return nil, errors.Errorf("malformed needs entry %v", e)
		}
	}
	return needs, nil
}

func asRules(v interface{}) ([]api.Rule, error) {
	if v == nil {
		return nil, nil
	}
	list, isList := v.([]interface{})
	if !isList {
		return nil, errors.Errorf("malformed rules %v", v)
	}
	var rules []api.Rule
	for _, e := range list {
		m, isMap := e.(map[string]interface{})
		if !isMap {
			return nil, errors.Errorf("malformed rule entry %v", e)
		}
		r := api.Rule{
			If:        asString(m["if"]),
			When:      asString(m["when"]),
			Variables: asVariables(m["variables"]),
		}
		if af, isBool := m["allow_failure"].(bool); isBool {
			r.AllowFailure = af
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func asArtifacts(v interface{}) (*api.Artifacts, error) {
	if v == nil {
		return nil, nil
	}
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return nil, errors.Errorf("malformed artifacts %v", v)
	}
	return &api.Artifacts{Paths: asStringList(m["paths"])}, nil
}

func asCache(v interface{}) (*api.Cache, error) {
	if v == nil {
		return nil, nil
	}
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return nil, errors.Errorf("malformed cache %v", v)
	}
	c := &api.Cache{Paths: asStringList(m["paths"])}
	switch key := m["key"].(type) {
	case nil:
	case string:
		c.Key = api.CacheKey{Key: key}
	case map[string]interface{}:
		c.Key = api.CacheKey{Files: asStringList(key["files"])}
	default:
		return nil, errors.Errorf("malformed cache key %v", key)
	}
	return c, nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
