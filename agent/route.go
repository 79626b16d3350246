package agent

import (
	"fmt"
	"strings"
)

// Route is one registered (method, pattern) pair. Patterns are absolute
// paths whose segments are either literals or named parameters
// (":name"). Immutable once registered.
type Route struct {
	Method  string
	Pattern string

	segments []segment
}

type segment struct {
	literal string
	param   string // non-empty for ":name" segments
}

func parseRoute(method, pattern string) (Route, error) {
	if method == "" {
		return Route{}, fmt.Errorf("route %q: method is required", pattern)
	}
	if !strings.HasPrefix(pattern, "/") {
		return Route{}, fmt.Errorf("route %q: pattern must start with '/'", pattern)
	}

	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	seen := map[string]struct{}{}

	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			name := p[1:]
			if name == "" {
				return Route{}, fmt.Errorf("route %q: empty parameter name", pattern)
			}
			if _, dup := seen[name]; dup {
				return Route{}, fmt.Errorf("route %q: duplicate parameter %q", pattern, name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{param: name})
			continue
		}
		if p == "" {
			return Route{}, fmt.Errorf("route %q: empty path segment", pattern)
		}
		segs = append(segs, segment{literal: p})
	}

	return Route{
		Method:   strings.ToUpper(method),
		Pattern:  pattern,
		segments: segs,
	}, nil
}

// match resolves path segments against the route. Returns the extracted
// parameters and whether the path shape matches.
func (rt *Route) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(rt.segments) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range rt.segments {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// shadows reports whether two routes would compete for the same paths:
// equal length and, position by position, both literal-equal or both
// parameters. Parameter names are irrelevant for shadowing.
func (rt *Route) shadows(other *Route) bool {
	if len(rt.segments) != len(other.segments) {
		return false
	}
	for i, seg := range rt.segments {
		o := other.segments[i]
		if (seg.param != "") != (o.param != "") {
			return false
		}
		if seg.param == "" && seg.literal != o.literal {
			return false
		}
	}
	return true
}

// moreSpecific orders routes for matching: at the first differing
// position, a literal segment outranks a parameter.
func (rt *Route) moreSpecific(other *Route) bool {
	for i := range rt.segments {
		a := rt.segments[i].param == ""
		b := other.segments[i].param == ""
		if a != b {
			return a
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
