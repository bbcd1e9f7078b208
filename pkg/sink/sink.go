package sink

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tm "github.com/buger/goterm"
)

// Sink receives the output lines of one job. Writes are serialized so
// interleaved job output never tears a line.
type Sink interface {
	Stdout(line string)
	Stderr(line string)
	Close() error
}

// Factory hands out per-job sinks sharing one serialized terminal.
type Factory interface {
	ForJob(jobName string, logFile string) (Sink, error)
}

// NewTerminalFactory returns a factory writing to the given streams,
// padding job names to nameWidth for aligned prefixes.
func NewTerminalFactory(stdout, stderr io.Writer, nameWidth int) Factory {
	return &terminalFactory{
		stdout:    stdout,
		stderr:    stderr,
		nameWidth: nameWidth,
	}
}

type terminalFactory struct {
	mu        sync.Mutex
	stdout    io.Writer
	stderr    io.Writer
	nameWidth int
}

func (f *terminalFactory) ForJob(jobName string, logFile string) (Sink, error) {
	var log *os.File
	if logFile != "" {
		var err error
		log, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, err
		}
	}
	return &terminalSink{
		factory: f,
		prefix:  tm.Color(pad(jobName, f.nameWidth), tm.BLUE),
		log:     log,
	}, nil
}

type terminalSink struct {
	factory *terminalFactory
	prefix  string
	log     *os.File
}

func (s *terminalSink) Stdout(line string) {
	s.emit(s.factory.stdout, line, tm.GREEN)
}

func (s *terminalSink) Stderr(line string) {
	s.emit(s.factory.stderr, line, tm.RED)
}

func (s *terminalSink) emit(w io.Writer, line string, markColor int) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if s.log != nil {
		fmt.Fprintln(s.log, line)
	}
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "$ ") {
		// Script echo lines keep their own marker.
		fmt.Fprintf(w, "%s %s\n", s.prefix, tm.Color(line, tm.GREEN))
		return
	}
	if strings.HasPrefix(line, "> ") {
		// Watchdog and status lines carry their own marker.
		fmt.Fprintf(w, "%s %s\n", s.prefix, line)
		return
	}
	fmt.Fprintf(w, "%s %s %s\n", s.prefix, tm.Color(">", markColor), line)
}

func (s *terminalSink) Close() error {
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

func pad(name string, width int) string {
	if len(name) >= width {
		return name
	}
	return name + strings.Repeat(" ", width-len(name))
}
