package dcb

import (
	"sort"
	"strings"

	"go.jetify.com/typeid"
)

// GenerateScopePrefixedID mints a sortable TypeID whose prefix is
// derived from a scope's parts (tenant, scope type), so that dead
// letters and scope-adjacent diagnostic rows group and sort the way
// their originating scope does. Falls back to a generic "scope" prefix
// if the derived one isn't a legal TypeID prefix.
func GenerateScopePrefixedID(parts ...string) string {
	keys := make([]string, len(parts))
	copy(keys, parts)
	sort.Strings(keys)

	prefix := sanitizeForTypeID(strings.Join(keys, "_"))
	const maxPrefixLength = 64 - 26 - 1 // 64-char id budget minus 26-char suffix minus separator
	if len(prefix) > maxPrefixLength {
		prefix = prefix[:maxPrefixLength]
	}

	tid, err := typeid.WithPrefix(prefix)
	if err != nil {
		tid, _ = typeid.WithPrefix("scope")
	}
	return tid.String()
}

// sanitizeForTypeID lowercases s and folds anything outside [a-z0-9_]
// to underscores, collapsing runs and trimming the edges.
func sanitizeForTypeID(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}
