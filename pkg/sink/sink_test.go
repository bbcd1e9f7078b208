package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock(t *testing.T) {
	m := NewMock()
	s, err := m.ForJob("job", "")
	require.NoError(t, err)

	s.Stdout("hello")
	s.Stderr("oops")
	s.Stdout("world")

	assert.Equal(t, []string{"hello", "world"}, m.Lines())
	assert.Equal(t, []string{"oops"}, m.StderrLines)
}

func TestTerminalSink(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "job.log")
	f := NewTerminalFactory(&stdout, &stderr, 10)

	s, err := f.ForJob("job", logFile)
	require.NoError(t, err)
	defer s.Close()

	s.Stdout("$ echo hi")
	s.Stdout("hi")
	s.Stdout("")
	s.Stderr("bad thing")

	out := stdout.String()
	assert.Contains(t, out, "job")
	assert.Contains(t, out, "$ echo hi")
	// the > marker is colorized separately from the payload
	assert.Contains(t, out, ">")
	assert.Contains(t, out, " hi")
	assert.Contains(t, stderr.String(), " bad thing")

	// every line, empty ones included, mirrors to the log without markup
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "$ echo hi\nhi\n\nbad thing\n", string(data))
}

func TestTerminalSinkTruncatesLog(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(logFile, []byte("stale\n"), 0o644))

	var stdout, stderr bytes.Buffer
	f := NewTerminalFactory(&stdout, &stderr, 4)
	s, err := f.ForJob("job", logFile)
	require.NoError(t, err)
	s.Stdout("fresh")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))
}
