// Package input reads the target list from .txt or .json files and
// normalizes each entry down to a bare hostname or address, so full
// URLs pasted into the input still resolve cleanly.
package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for input files that are neither
	// .txt nor .json.
	ErrUnsupportedFormat = errors.New("only .txt or .json input files are supported")

	// ErrNoTargets is returned when a JSON input contains no target list.
	ErrNoTargets = errors.New("JSON input contains no target list")
)

// Read loads targets from path. A .txt file yields one target per
// non-blank line; a .json file must be an array of strings or an object
// whose first array value (by sorted key) is the target list. Every
// entry is normalized with CleanTarget.
func Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	var raw []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				raw = append(raw, line)
			}
		}
	case ".json":
		raw, err = parseJSON(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	targets := make([]string, 0, len(raw))
	for _, r := range raw {
		if t := CleanTarget(r); t != "" {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func parseJSON(data []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse JSON input: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		return stringify(v), nil
	case map[string]any:
		// Take the first list value; sorted keys keep the choice
		// deterministic.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if list, ok := v[k].([]any); ok {
				return stringify(list), nil
			}
		}
		return nil, ErrNoTargets
	default:
		return nil, ErrNoTargets
	}
}

func stringify(list []any) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// CleanTarget strips a raw entry down to its hostname: scheme, port,
// path, and credentials are dropped. Entries that cannot be parsed are
// reduced by hand so a messy line still yields a usable host.
func CleanTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	s := raw
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	if u, err := url.Parse(s); err == nil {
		if host := u.Hostname(); host != "" {
			return host
		}
	}

	// Unparseable entry: drop anything after the first slash, then a
	// trailing :port.
	host, _, _ := strings.Cut(raw, "/")
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "]") {
		if !strings.Contains(host[:i], ":") { // leave bare IPv6 alone
			host = host[:i]
		}
	}
	return host
}
