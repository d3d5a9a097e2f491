// Package urlbuilder assembles outbound request URLs with an ordered query string.
package urlbuilder

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type param struct {
	name  string
	value string
}

// Builder appends query parameters to a base URL in insertion order.
// Parameters with an empty value are omitted.
type Builder struct {
	base   string
	params []param
}

// New returns a builder for the given base URL.
func New(base string) *Builder {
	return &Builder{base: base}
}

// Add appends name=value. An empty value is skipped.
func (b *Builder) Add(name, value string) *Builder {
	if name == "" || value == "" {
		return b
	}
	b.params = append(b.params, param{name: name, value: value})
	return b
}

// AddBool appends a boolean rendered as "true" or "false".
func (b *Builder) AddBool(name string, value bool) *Builder {
	return b.Add(name, strconv.FormatBool(value))
}

// AddInt appends an integer parameter.
func (b *Builder) AddInt(name string, value int) *Builder {
	return b.Add(name, strconv.Itoa(value))
}

// Encode returns the encoded query string without a leading '?'.
func (b *Builder) Encode() string {
	var sb strings.Builder
	for i, p := range b.params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// Values returns the parameters as url.Values, for form-encoded bodies.
func (b *Builder) Values() url.Values {
	v := make(url.Values, len(b.params))
	for _, p := range b.params {
		v.Add(p.name, p.value)
	}
	return v
}

// Build returns the base URL with the ordered query appended. Any query
// already present on the base is kept in front of the added parameters.
func (b *Builder) Build() (string, error) {
	if strings.TrimSpace(b.base) == "" {
		return "", fmt.Errorf("base url required")
	}
	u, err := url.Parse(b.base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", b.base)
	}

	query := b.Encode()
	switch {
	case query == "":
	case u.RawQuery == "":
		u.RawQuery = query
	default:
		u.RawQuery = u.RawQuery + "&" + query
	}
	return u.String(), nil
}

// Lookup returns the first value whose name matches case-insensitively.
func Lookup(values url.Values, name string) string {
	if v := values.Get(name); v != "" {
		return v
	}
	for k, vs := range values {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
