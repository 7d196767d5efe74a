// Package proxy forwards requests whose URL matches a rule table to another
// origin and relays the response verbatim.
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidRule is returned for rules that cannot be compiled.
var ErrInvalidRule = errors.New("proxy: invalid rule")

// Rule maps a URL pattern to a target template. Placeholders {N} are replaced
// by capture group N ({0} is the whole match); {{ and }} are literal braces.
type Rule struct {
	Pattern *regexp.Regexp
	Target  string

	segments []segment
}

type segment struct {
	literal string
	group   int // -1 for literal segments
}

// NewRule compiles pattern and validates the placeholders in target.
func NewRule(pattern, target string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, pattern, err)
	}
	segs, err := parseTemplate(target)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: target %q: %v", ErrInvalidRule, target, err)
	}
	for _, s := range segs {
		if s.group > re.NumSubexp() {
			return Rule{}, fmt.Errorf("%w: target %q references group %d but pattern has %d", ErrInvalidRule, target, s.group, re.NumSubexp())
		}
	}
	return Rule{Pattern: re, Target: target, segments: segs}, nil
}

// MustRule is NewRule that panics, for static tables.
func MustRule(pattern, target string) Rule {
	r, err := NewRule(pattern, target)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) expand(groups []string) string {
	var sb strings.Builder
	for _, s := range r.segments {
		if s.group < 0 {
			sb.WriteString(s.literal)
			continue
		}
		sb.WriteString(groups[s.group])
	}
	return sb.String()
}

func parseTemplate(tmpl string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String(), group: -1})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder at %d", i)
			}
			n, err := strconv.Atoi(tmpl[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad placeholder %q", tmpl[i:i+end+1])
			}
			flush()
			segs = append(segs, segment{group: n})
			i += end
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' at %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs, nil
}

// Table is an ordered rule list. It is read-only after construction.
type Table struct {
	rules []Rule
}

// NewTable keeps rules in the given order.
func NewTable(rules ...Rule) *Table {
	return &Table{rules: append([]Rule(nil), rules...)}
}

// Len reports the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Resolve matches the lowercased scheme://host/path of r against every rule.
// When several rules match, the last one wins. The destination carries the
// inbound query in place of any query or fragment on the target. matched is false when no
// rule applies; err is set when the winning target is not a valid URL.
func (t *Table) Resolve(r *http.Request) (dest *url.URL, matched bool, err error) {
	if t == nil || len(t.rules) == 0 {
		return nil, false, nil
	}

	uri := requestURI(r)
	winner := -1
	var groups []string
	for i, rule := range t.rules {
		if m := rule.Pattern.FindStringSubmatch(uri); m != nil {
			winner = i
			groups = m
		}
	}
	if winner < 0 {
		return nil, false, nil
	}

	raw := t.rules[winner].expand(groups)
	dest, err = url.Parse(raw)
	if err != nil || dest.Scheme == "" || dest.Host == "" {
		if err == nil {
			err = errors.New("target must be an absolute URL")
		}
		return nil, true, fmt.Errorf("proxy: rule %d produced %q: %w", winner, raw, err)
	}

	// Only scheme, host, port and path come from the target; the query is
	// always the inbound one.
	dest.RawQuery, dest.ForceQuery, dest.Fragment, dest.RawFragment = r.URL.RawQuery, false, "", ""
	return dest, true, nil
}

func requestURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	host = (&url.URL{Host: host}).Hostname()
	return strings.ToLower(scheme + "://" + host + r.URL.Path)
}
