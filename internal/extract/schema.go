package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SelectSelf makes a rule read from the selection being evaluated rather than a descendant.
const SelectSelf = "&"

// Rule locates one candidate value. An empty Selector reads the page URL; an empty Attr reads
// the element text. When Pattern is set, its first capture group (or whole match) is the value.
type Rule struct {
	Selector string
	Attr     string
	Pattern  *regexp.Regexp
}

// FieldSpec names a field and the ordered rules that may produce it. The first non-empty rule wins.
type FieldSpec struct {
	Name     string
	Required bool
	Rules    []Rule
}

// Schema is a versioned set of field specs.
type Schema struct {
	Version string
	Fields  []FieldSpec
}

// Result holds the raw values found and the required fields that were not.
type Result struct {
	Values  map[string]string
	Missing []string
}

// Get returns the raw value for name, or "".
func (r Result) Get(name string) string {
	return r.Values[name]
}

// Has reports whether name produced a value.
func (r Result) Has(name string) bool {
	_, ok := r.Values[name]
	return ok
}

// OK reports whether every required field was found.
func (r Result) OK() bool {
	return len(r.Missing) == 0
}

// Evaluate applies every field spec to sel. pageURL feeds URL rules.
func (s Schema) Evaluate(sel *goquery.Selection, pageURL string) Result {
	res := Result{Values: make(map[string]string, len(s.Fields))}
	for _, field := range s.Fields {
		if v, ok := evalField(field, sel, pageURL); ok {
			res.Values[field.Name] = v
			continue
		}
		if field.Required {
			res.Missing = append(res.Missing, field.Name)
		}
	}
	return res
}

// Field returns the spec for name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func evalField(field FieldSpec, sel *goquery.Selection, pageURL string) (string, bool) {
	for _, rule := range field.Rules {
		if v := evalRule(rule, sel, pageURL); v != "" {
			return v, true
		}
	}
	return "", false
}

func evalRule(rule Rule, sel *goquery.Selection, pageURL string) string {
	var raw string
	switch rule.Selector {
	case "":
		raw = pageURL
	default:
		target := sel
		if rule.Selector != SelectSelf {
			target = sel.Find(rule.Selector)
		}
		raw = firstValue(target, rule.Attr, rule.Pattern)
		if rule.Pattern != nil {
			return raw
		}
	}
	return applyPattern(rule.Pattern, raw)
}

// firstValue returns the first non-empty value across the matched nodes.
func firstValue(target *goquery.Selection, attr string, pattern *regexp.Regexp) string {
	var out string
	target.EachWithBreak(func(_ int, node *goquery.Selection) bool {
		var v string
		if attr == "" {
			v = cleanText(node.Text())
		} else {
			v = strings.TrimSpace(node.AttrOr(attr, ""))
		}
		if pattern != nil {
			v = applyPattern(pattern, v)
		}
		if v != "" {
			out = v
			return false
		}
		return true
	})
	return out
}

func applyPattern(pattern *regexp.Regexp, raw string) string {
	if pattern == nil || raw == "" {
		return raw
	}
	m := pattern.FindStringSubmatch(raw)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return strings.TrimSpace(m[1])
	default:
		return strings.TrimSpace(m[0])
	}
}

var whitespace = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
