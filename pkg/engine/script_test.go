package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildScript(t *testing.T) {
	script := buildScript([]string{"make build", "echo done"}, map[string]string{"FOO": "bar"})

	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\nset -eo pipefail\nexec 0</dev/null\n"))
	assert.Contains(t, script, "export FOO='bar'\n")
	assert.Contains(t, script, "echo '$ make build'\nmake build\n")
	assert.Contains(t, script, "echo '$ echo done'\necho done\n")
	assert.True(t, strings.HasSuffix(script, "exit 0\n"))
}

func TestBuildScriptMultiline(t *testing.T) {
	script := buildScript([]string{"if true; then\n  echo yes\nfi"}, nil)
	assert.Contains(t, script, "$ if true; then # collapsed multi-line command")
	assert.Contains(t, script, "if true; then\n  echo yes\nfi\n")
}

func TestBuildScriptQuoting(t *testing.T) {
	script := buildScript([]string{`echo 'it''s'`}, map[string]string{"Q": "a'b"})
	assert.Contains(t, script, `export Q='a'\''b'`)
	// the echoed line survives its own quotes
	assert.Contains(t, script, `echo '$ echo '\''it'\'''\''s'\'''`)
}
