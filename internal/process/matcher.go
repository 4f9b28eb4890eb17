package process

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

type patternKind int

const (
	patternName  patternKind = iota // exact or substring on the process/exe name
	patternDir                      // "C:\Games\*" or "/opt/app/*"
	patternGlob                     // any pattern with a path separator
	patternRegex                    // "regex:<expr>" against the lowercase path
)

// Pattern is a compiled process selector.
//
// Pattern types:
//   - "firefox.exe"          → exact exe name match (case-insensitive)
//   - "chrome"               → substring match in name (case-insensitive)
//   - "C:\Games\*"           → directory prefix match
//   - "/usr/bin/fire*"       → full path glob
//   - "regex:^.*/steam/.*$"  → regular expression on the lowercase path
type Pattern struct {
	raw   string
	kind  patternKind
	lower string
	re    *regexp.Regexp
}

// CompilePattern parses s. Only regex patterns can fail.
func CompilePattern(s string) (*Pattern, error) {
	s = strings.TrimSpace(s)
	p := &Pattern{raw: s, lower: strings.ToLower(s)}

	switch {
	case strings.HasPrefix(s, "regex:"):
		re, err := regexp.Compile(s[len("regex:"):])
		if err != nil {
			return nil, err
		}
		p.kind, p.re = patternRegex, re
	case strings.HasSuffix(s, `\*`) || strings.HasSuffix(s, `/*`):
		p.kind = patternDir
		p.lower = p.lower[:len(p.lower)-2]
	case strings.ContainsAny(s, `\/`):
		p.kind = patternGlob
	default:
		p.kind = patternName
	}
	return p, nil
}

func (p *Pattern) String() string { return p.raw }

// Match reports whether a process with the given name and executable
// path is selected. Either may be empty.
func (p *Pattern) Match(name, exePath string) bool {
	if p.raw == "" {
		return false
	}
	exeLower := strings.ToLower(exePath)

	switch p.kind {
	case patternRegex:
		return exeLower != "" && p.re.MatchString(exeLower) ||
			name != "" && p.re.MatchString(strings.ToLower(name))
	case patternDir:
		if len(exeLower) > len(p.lower) && strings.HasPrefix(exeLower, p.lower) {
			c := exeLower[len(p.lower)]
			return c == '\\' || c == '/'
		}
		return false
	case patternGlob:
		matched, _ := filepath.Match(p.lower, exeLower)
		return matched
	}

	if name != "" && strings.Contains(strings.ToLower(name), p.lower) {
		return true
	}
	if exeLower == "" {
		return false
	}
	return strings.Contains(baseName(exeLower), p.lower)
}

// baseName handles both separators so Windows paths match on any host.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// pathCache remembers executable paths per PID across refresh cycles.
// Entries for PIDs that disappear from an enumeration are pruned.
type pathCache struct {
	mu    sync.Mutex
	paths map[uint32]string
	query func(pid uint32) (string, error)
}

func newPathCache(query func(pid uint32) (string, error)) *pathCache {
	return &pathCache{
		paths: make(map[uint32]string),
		query: query,
	}
}

// get returns the executable path for pid, querying the OS on miss.
func (c *pathCache) get(pid uint32) (string, bool) {
	c.mu.Lock()
	path, ok := c.paths[pid]
	c.mu.Unlock()
	if ok {
		return path, true
	}

	path, err := c.query(pid)
	if err != nil {
		return "", false
	}

	c.mu.Lock()
	c.paths[pid] = path
	c.mu.Unlock()
	return path, true
}

// retain drops cached PIDs not in live. A PID reused by another
// executable is caught because the previous owner vanished from at
// least one enumeration in between, or the name no longer matches.
func (c *pathCache) retain(live map[uint32]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid, path := range c.paths {
		name, ok := live[pid]
		if !ok || (name != "" && !strings.EqualFold(baseName(strings.ToLower(path)), strings.ToLower(name))) {
			delete(c.paths, pid)
		}
	}
}
