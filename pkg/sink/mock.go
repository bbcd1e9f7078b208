package sink

import "sync"

// Mock is a Factory and Sink collecting lines per stream, for tests.
type Mock struct {
	mu          sync.Mutex
	StdoutLines []string
	StderrLines []string
}

// NewMock returns an empty mock sink.
func NewMock() *Mock {
	return &Mock{}
}

// ForJob implements Factory, every job shares the same recorder.
func (m *Mock) ForJob(jobName string, logFile string) (Sink, error) {
	return m, nil
}

func (m *Mock) Stdout(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StdoutLines = append(m.StdoutLines, line)
}

func (m *Mock) Stderr(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StderrLines = append(m.StderrLines, line)
}

func (m *Mock) Close() error {
	return nil
}

// Lines returns a copy of the collected stdout lines.
func (m *Mock) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.StdoutLines...)
}
