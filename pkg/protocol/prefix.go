package protocol

import (
	"regexp"
	"strings"
)

// DefaultPrefixes are added by some host adapters in front of captured
// output lines (SpecRun writes "-> " before every message).
var DefaultPrefixes = []string{"-> "}

// goTestLocation matches the "    file_test.go:42: " decoration testing.T.Log
// puts in front of each logged line.
var goTestLocation = regexp.MustCompile(`^\s*[\w.\-]+\.go:\d+: `)

// StripPrefix removes a testing.T.Log location decoration and then the first
// matching adapter prefix from line.
func StripPrefix(line string, prefixes []string) string {
	if loc := goTestLocation.FindStringIndex(line); loc != nil {
		line = line[loc[1]:]
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(line, p) {
			return line[len(p):]
		}
	}
	return line
}
