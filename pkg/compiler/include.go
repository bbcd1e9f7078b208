package compiler

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// resolveIncludes expands include: directives until a fixed point is
// reached. Included documents merge key-by-key, later includes override
// earlier ones and the including document overrides them all.
func (c *Compiler) resolveIncludes(ctx context.Context, doc map[string]interface{}, visited map[string]bool) (map[string]interface{}, error) {
	raw, hasIncludes := doc["include"]
	if !hasIncludes {
		return doc, nil
	}
	delete(doc, "include")

	merged := make(map[string]interface{})
	for _, inc := range asIncludeList(raw) {
		id, data, err := c.fetchInclude(ctx, inc)
		if err != nil {
			return nil, err
		}
		if visited[id] {
			trace := make([]string, 0, len(visited)+1)
			for v := range visited {
				trace = append(trace, v)
			}
			return nil, errors.Errorf("include cycle detected at %s (seen: %s)", id, strings.Join(trace, " -> "))
		}
		visited[id] = true

		sub, err := parseYAML(data, id)
		if err != nil {
			return nil, err
		}
		sub, err = c.resolveIncludes(ctx, sub, visited)
		if err != nil {
			return nil, err
		}
		for k, v := range sub {
			merged[k] = v
		}
	}

	for k, v := range doc {
		merged[k] = v
	}
	return merged, nil
}

// asIncludeList normalizes the include: value, which may be a single
// string, a single map, or a list of either.
func asIncludeList(v interface{}) []interface{} {
	if list, isList := v.([]interface{}); isList {
		return list
	}
	return []interface{}{v}
}

// fetchInclude resolves one include entry to its identity and contents.
func (c *Compiler) fetchInclude(ctx context.Context, inc interface{}) (string, []byte, error) {
	if s, isString := inc.(string); isString {
		return c.fetchLocal(s)
	}
	m, isMap := inc.(map[string]interface{})
	if !isMap {
		return "", nil, errors.Errorf("malformed include entry %v", inc)
	}

	switch {
	case m["local"] != nil:
		return c.fetchLocal(asString(m["local"]))
	case m["remote"] != nil:
		return c.fetchRemote(ctx, asString(m["remote"]))
	case m["project"] != nil:
		return c.fetchProject(ctx, asString(m["project"]), asString(m["ref"]), asString(m["file"]))
	case m["template"] != nil:
		return c.fetchTemplate(asString(m["template"]))
	}
	return "", nil, errors.Errorf("include entry has none of local/remote/project/template: %v", inc)
}

func (c *Compiler) fetchLocal(rel string) (string, []byte, error) {
	path := filepath.Join(c.cwd, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot read local include %s", rel)
	}
	return "local:" + rel, data, nil
}

func (c *Compiler) fetchRemote(ctx context.Context, rawurl string) (string, []byte, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", nil, errors.Wrapf(err, "malformed remote include %s", rawurl)
	}
	cached := filepath.Join(c.gclDir, "includes", u.Host, filepath.FromSlash(strings.TrimPrefix(u.Path, "/")))
	if data, err := os.ReadFile(cached); err == nil {
		return "remote:" + rawurl, data, nil
	}

	ctx.Logger().Infof("downloading include %s", rawurl)
	resp, err := c.http.Get(rawurl)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot download include %s", rawurl)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", nil, errors.Errorf("cannot download include %s: status %d", rawurl, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot read include %s", rawurl)
	}
	if err := writeCached(cached, data); err != nil {
		return "", nil, err
	}
	return "remote:" + rawurl, data, nil
}

// fetchProject fetches file at ref from another project on the same server
// through git archive, mirroring the referenced tree into the include cache.
func (c *Compiler) fetchProject(ctx context.Context, project, ref, file string) (string, []byte, error) {
	if ref == "" {
		ref = "HEAD"
	}
	id := fmt.Sprintf("project:%s@%s:%s", project, ref, file)
	dest := filepath.Join(c.gclDir, "includes", c.meta.Remote.Domain, filepath.FromSlash(project), ref)
	cached := filepath.Join(dest, filepath.FromSlash(strings.TrimPrefix(file, "/")))
	if data, err := os.ReadFile(cached); err == nil {
		return id, data, nil
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", nil, errors.Wrap(err, "cannot create include cache dir")
	}
	ctx.Logger().Infof("fetching include %s from project %s@%s", file, project, ref)
	cmd := fmt.Sprintf("git archive --remote=ssh://git@%s/%s.git %s %s | tar -x -C %s",
		c.meta.Remote.Domain, project, ref, file, dest)
	if _, err := c.sp.Spawn(ctx, cmd, c.cwd, nil); err != nil {
		return "", nil, errors.Wrapf(err, "cannot fetch include %s from project %s@%s", file, project, ref)
	}

	data, err := os.ReadFile(cached)
	if err != nil {
		return "", nil, errors.Wrapf(err, "include %s missing after fetch from %s@%s", file, project, ref)
	}
	return id, data, nil
}

func (c *Compiler) fetchTemplate(name string) (string, []byte, error) {
	path := filepath.Join(c.gclDir, "templates", filepath.FromSlash(name))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot read template include %s", name)
	}
	return "template:" + name, data, nil
}

func writeCached(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "cannot create include cache dir")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "cannot cache include")
	}
	return nil
}

// newHTTPClient returns the retrying client used for remote includes.
func newHTTPClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return client
}
