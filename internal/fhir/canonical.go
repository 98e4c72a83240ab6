package fhir

import "strings"

// CanonicalKey normalises a canonical reference into a routing key: any
// "|version" suffix is removed, and an implicit value set
// ("<system>?fhir_vs" with or without a filter) collapses to its code
// system URI.
func CanonicalKey(ref string) string {
	key := strings.TrimSpace(ref)
	if i := strings.IndexByte(key, '|'); i >= 0 {
		key = key[:i]
	}
	if i := strings.Index(key, "?fhir_vs"); i >= 0 {
		key = key[:i]
	}
	return key
}
