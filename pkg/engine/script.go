package engine

import (
	"fmt"
	"sort"
	"strings"
)

// initScriptName is the generated script staged into every workspace.
const initScriptName = "gcl-init"

// buildScript composes the single shell script for one execution phase.
// Every source line is echoed before it runs; multi-line snippets echo
// their first line with a collapse marker. The trailing exit 0 keeps the
// script's own status from leaking when the last line is a condition.
func buildScript(lines []string, exports map[string]string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -eo pipefail\n")
	b.WriteString("exec 0</dev/null\n")

	for _, k := range sortedKeys(exports) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(exports[k]))
	}

	for _, line := range lines {
		b.WriteString("echo " + shellQuote(echoLine(line)) + "\n")
		b.WriteString(line + "\n")
	}

	b.WriteString("exit 0\n")
	return b.String()
}

// echoLine returns the "$ cmd" echo for one snippet, collapsing newlines.
func echoLine(line string) string {
	first, _, multi := strings.Cut(line, "\n")
	if multi {
		return fmt.Sprintf("$ %s # collapsed multi-line command", first)
	}
	return "$ " + first
}

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
