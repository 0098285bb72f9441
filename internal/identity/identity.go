// Package identity produces and resolves stable row identifiers.
//
// Every persisted row carries two identifiers: a Row UUID (preferred) and a
// normalized composite key (fallback). The UUID survives renames and
// workbook regeneration; the composite key survives UUID loss (an operator
// pasting rows, an older workbook, a cleared hidden column).
package identity

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/sqlguard/sqlguard/internal/types"
)

// KeySeparator joins composite key segments. Segment counts are stable per
// finding type: empty parts are preserved as empty segments.
const KeySeparator = "|"

// DefaultResurrectionWindow bounds how long a disappeared entity can be
// re-matched to its prior identity by composite key alone.
const DefaultResurrectionWindow = 180 * 24 * time.Hour

// NewRowID returns a fresh 128-bit random row identifier.
func NewRowID() string {
	return uuid.NewString()
}

// ShortID returns the stable 8-character display form of a row UUID.
func ShortID(rowUUID string) string {
	s := strings.ReplaceAll(rowUUID, "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// NormalizePart canonicalizes one composite key segment: lowercased, trimmed,
// with decorative glyphs (emoji, status markers) stripped from the edges.
// Interior characters are preserved so keys like "##ms_policy##" survive.
func NormalizePart(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimFunc(s, func(r rune) bool {
		if unicode.IsSpace(r) {
			return true
		}
		// Non-ASCII symbols at the edges are presentation, not identity.
		return r > unicode.MaxASCII && !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.ToLower(strings.TrimSpace(s))
}

// ComposeKey builds the canonical composite key for a finding type.
// Grammar: {finding_type}|{part}|{part}|... with every part normalized.
func ComposeKey(ft types.FindingType, parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	segs = append(segs, string(ft))
	for _, p := range parts {
		segs = append(segs, NormalizePart(p))
	}
	return strings.Join(segs, KeySeparator)
}

// NormalizeKey canonicalizes a full composite key read back from a workbook
// or an older store row.
func NormalizeKey(key string) string {
	segs := strings.Split(key, KeySeparator)
	for i, s := range segs {
		segs[i] = NormalizePart(s)
	}
	return strings.Join(segs, KeySeparator)
}

// KeySegments splits a composite key into its raw segments.
func KeySegments(key string) []string {
	return strings.Split(key, KeySeparator)
}

// KeyParts returns the canonical key column names for a finding type, in
// composite key order after server and instance. The workbook schema derives
// its key columns from this table so reader and writer cannot drift.
func KeyParts(ft types.FindingType) []string {
	switch ft {
	case types.TypeInstanceInfo:
		return nil
	case types.TypeSAAccount:
		return []string{"current_name"}
	case types.TypeLogin:
		return []string{"login_name"}
	case types.TypeServerRoleMember:
		return []string{"role", "member"}
	case types.TypeConfig:
		return []string{"setting"}
	case types.TypeService:
		return []string{"service_name"}
	case types.TypeDatabase:
		return []string{"database"}
	case types.TypeDBUser:
		return []string{"database", "user_name"}
	case types.TypeDBRoleMember:
		return []string{"database", "role", "member"}
	case types.TypeOrphanedUser:
		return []string{"database", "user_name"}
	case types.TypePermission:
		return []string{"scope", "database", "grantee", "permission", "target"}
	case types.TypeLinkedServer:
		return []string{"linked_name"}
	case types.TypeTrigger:
		return []string{"scope", "database", "trigger_name", "event"}
	case types.TypeBackup:
		return []string{"database", "recovery_model"}
	case types.TypeClientProtocol:
		return []string{"protocol"}
	case types.TypeEncryption:
		return []string{"key_type", "key_name"}
	case types.TypeAuditSettings:
		return []string{"setting"}
	}
	return nil
}

// Index is a lookup over persisted annotations, UUID first then composite
// key under case-insensitive compare.
type Index struct {
	byUUID map[string]*types.Annotation
	byKey  map[string]*types.Annotation
}

// NewIndex builds an Index from persisted annotations. When two annotations
// share a normalized key (legacy rows), the most recently modified wins.
func NewIndex(annotations []*types.Annotation) *Index {
	idx := &Index{
		byUUID: make(map[string]*types.Annotation, len(annotations)),
		byKey:  make(map[string]*types.Annotation, len(annotations)),
	}
	for _, a := range annotations {
		if a.RowUUID != "" {
			idx.byUUID[a.RowUUID] = a
		}
		k := keyIndexKey(a.EntityType, a.EntityKey)
		if prev, ok := idx.byKey[k]; !ok || a.ModifiedAt.After(prev.ModifiedAt) {
			idx.byKey[k] = a
		}
	}
	return idx
}

func keyIndexKey(ft types.FindingType, entityKey string) string {
	return string(ft) + "\x00" + NormalizeKey(entityKey)
}

// Resolver resolves a workbook row to a persisted annotation.
type Resolver struct {
	Index *Index

	// ResurrectionWindow bounds key-only re-matching of an entity that
	// disappeared and returned. Zero means DefaultResurrectionWindow.
	ResurrectionWindow time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// Resolve tries UUID, then composite key, then composite key within the
// resurrection window. Returns the matched annotation, or nil when a new
// identity should be minted.
func (r *Resolver) Resolve(rowUUID string, ft types.FindingType, entityKey string) *types.Annotation {
	if r.Index == nil {
		return nil
	}
	if rowUUID != "" {
		if a, ok := r.Index.byUUID[rowUUID]; ok {
			return a
		}
	}
	a, ok := r.Index.byKey[keyIndexKey(ft, entityKey)]
	if !ok {
		return nil
	}
	// A live key match (annotation carries no UUID, or row lost its UUID) is
	// always accepted. A match against an entity that already has a different
	// UUID is a resurrection: accept only within the window.
	if rowUUID == "" || a.RowUUID == "" || a.RowUUID == rowUUID {
		return a
	}
	window := r.ResurrectionWindow
	if window <= 0 {
		window = DefaultResurrectionWindow
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if now.Sub(a.ModifiedAt) <= window {
		return a
	}
	return nil
}
