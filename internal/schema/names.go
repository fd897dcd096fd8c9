package schema

import (
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// IDColumn is the synthetic primary key of every non-bridge table.
	IDColumn = "_id"
	// HashColumn holds the fingerprint of a deduplicated object row.
	HashColumn = "_hash"
	// ValueColumn is the single data column of a scalar side table.
	ValueColumn = "value"
	// CollectionSuffix marks relation keys that reconstruct as arrays.
	CollectionSuffix = "_collection"
	// BridgePrefix starts every bridge table name.
	BridgePrefix = "bridge_"
)

// ColumnKey is the case-folded JSON key used to match columns and relations.
func ColumnKey(key string) string {
	return cases.Lower(language.Und).String(key)
}

// TableName derives the table name for a JSON key. Distinct keys may share
// a name once sanitized ("a-b" and "a_b").
func TableName(key string) string {
	if n := sanitizeIdent(ColumnKey(key)); n != "" {
		return clampIdent(n, maxTableName)
	}
	return "t_" + shortHash(key)
}

// ColumnName is the physical column name for a column key.
func ColumnName(key string) string {
	return clampIdent(key, maxIdent)
}

// RelationKey returns the key stored on a relation for the JSON key. Array
// relations get the collection marker appended. A plain key that already
// looks marked ("x_collection", "x_collection_") gets one more trailing
// underscore, so only array relations ever end in the marker.
func RelationKey(key string, collection bool) string {
	k := ColumnKey(key)
	switch {
	case collection:
		return k + CollectionSuffix
	case looksMarked(k):
		return k + "_"
	}
	return k
}

// CollectionKey returns the relation key stored for array-valued relations.
func CollectionKey(key string) string { return RelationKey(key, true) }

// Demark recovers the JSON key from a relation key built by RelationKey.
func Demark(key string) string {
	switch {
	case IsCollectionKey(key):
		return strings.TrimSuffix(key, CollectionSuffix)
	case strings.HasSuffix(key, "_") && looksMarked(key[:len(key)-1]):
		return key[:len(key)-1]
	}
	return key
}

// IsCollectionKey reports whether key carries the collection marker.
func IsCollectionKey(key string) bool {
	return strings.HasSuffix(key, CollectionSuffix)
}

func looksMarked(k string) bool {
	return strings.HasSuffix(strings.TrimRight(k, "_"), CollectionSuffix)
}

// BridgeName is the link table between parent and child.
func BridgeName(parent, child string) string {
	return clampIdent(BridgePrefix+parent+"_"+child, maxIdent)
}

// ForeignKeyColumn is the column referencing table's primary key.
func ForeignKeyColumn(table string) string {
	return table + "_id"
}

// IndexName builds a deterministic index name that stays within the
// identifier limits of every supported database.
func IndexName(table, column string) string {
	return clampIdent("ix_"+table+"_"+column, maxIdent)
}

const (
	maxIdent     = 60
	maxTableName = 48
)

// clampIdent shortens s to at most max bytes, replacing the tail with a
// hash of the full name so distinct long names stay distinct.
func clampIdent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 9
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "_" + shortHash(s)
}

// sanitizeIdent lowercases, transliterates accents, turns separators into a
// single underscore and drops anything outside [a-z0-9_].
func sanitizeIdent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	foldAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(foldAccents, s); err == nil {
		s = folded
	}
	s = ColumnKey(s)

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}

func shortHash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
