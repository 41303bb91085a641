// Package scope defines the catalog of scopes an authorization server hands
// out and the resource fields each scope exposes. The catalog is built once
// at startup and is safe for concurrent reads.
package scope

import "strings"

// Scope describes a single grantable permission. Fields maps a resource
// type (e.g. "user") to the field names a token carrying this scope may
// read on that resource.
type Scope struct {
	Code        string
	Description string
	Fields      map[string][]string
}

// Catalog is an immutable lookup of scopes by code.
type Catalog struct {
	scopes map[string]Scope
	order  []string
}

// NewCatalog builds a catalog from the given scopes. Later duplicates of
// the same code replace earlier ones.
func NewCatalog(scopes ...Scope) *Catalog {
	c := &Catalog{
		scopes: make(map[string]Scope, len(scopes)),
	}
	for _, sc := range scopes {
		if _, exists := c.scopes[sc.Code]; !exists {
			c.order = append(c.order, sc.Code)
		}
		c.scopes[sc.Code] = sc
	}
	return c
}

// Get returns the scope registered under code.
func (c *Catalog) Get(code string) (Scope, bool) {
	sc, ok := c.scopes[code]
	return sc, ok
}

// Codes returns all registered scope codes in registration order.
func (c *Catalog) Codes() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Filter intersects requested scope codes with an allowed set. Codes not in
// the catalog or not in allowed are silently dropped; the result preserves
// the order of requested and never contains codes absent from it. Filter
// never adds scopes.
func (c *Catalog) Filter(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, code := range allowed {
		allowedSet[code] = true
	}

	var out []string
	seen := make(map[string]bool, len(requested))
	for _, code := range requested {
		if seen[code] {
			continue
		}
		seen[code] = true
		if _, ok := c.scopes[code]; !ok {
			continue
		}
		if allowedSet[code] {
			out = append(out, code)
		}
	}
	return out
}

// FieldsFor returns the union of fields the given scopes expose on a
// resource type, deduplicated, in catalog registration order.
func (c *Catalog) FieldsFor(scopes []string, resourceType string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, code := range scopes {
		sc, ok := c.scopes[code]
		if !ok {
			continue
		}
		for _, field := range sc.Fields[resourceType] {
			if !seen[field] {
				seen[field] = true
				out = append(out, field)
			}
		}
	}
	return out
}

// Exposes reports whether any of the given scopes exposes the named field
// on a resource type.
func (c *Catalog) Exposes(scopes []string, resourceType, field string) bool {
	for _, code := range scopes {
		sc, ok := c.scopes[code]
		if !ok {
			continue
		}
		for _, f := range sc.Fields[resourceType] {
			if f == field {
				return true
			}
		}
	}
	return false
}

// ParseList splits a space-delimited scope parameter into codes. The
// parameter names a set, so repeated codes collapse to one occurrence,
// keeping first-seen order.
func ParseList(s string) []string {
	fields := strings.Fields(s)
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, code := range fields {
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

// JoinList renders scope codes as a space-delimited scope parameter.
func JoinList(codes []string) string {
	return strings.Join(codes, " ")
}
