package engine

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var numberRegexp = regexp.MustCompile(`\d+(?:\.\d+)?`)

// extractCoverage scans the job log with the configured pattern and returns
// the first numeric substring of the first match. No match yields "0".
func extractCoverage(log, pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		pattern = pattern[1 : len(pattern)-1]
	}
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return "", errors.Wrapf(err, "bad coverage pattern %q", pattern)
	}
	match := re.FindString(log)
	if match == "" {
		return "0", nil
	}
	num := numberRegexp.FindString(match)
	if num == "" {
		return "0", nil
	}
	return num, nil
}
