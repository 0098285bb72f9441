package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/types"
)

func TestComposeKeyNormalization(t *testing.T) {
	tests := []struct {
		name  string
		ft    types.FindingType
		parts []string
		want  string
	}{
		{
			name:  "lowercases and trims",
			ft:    types.TypeConfig,
			parts: []string{"SRV1", "Default", "  Xp_CmdShell "},
			want:  "config|srv1|default|xp_cmdshell",
		},
		{
			name:  "strips decorative glyphs at edges",
			ft:    types.TypeLogin,
			parts: []string{"srv1", "DEFAULT", "⚠️ app_reader"},
			want:  "login|srv1|default|app_reader",
		},
		{
			name:  "preserves interior markers",
			ft:    types.TypeLogin,
			parts: []string{"srv1", "DEFAULT", "##MS_PolicyEventProcessingLogin##"},
			want:  "login|srv1|default|##ms_policyeventprocessinglogin##",
		},
		{
			name:  "empty parts keep segment count stable",
			ft:    types.TypePermission,
			parts: []string{"srv1", "default", "server", "", "public", "connect sql", "server"},
			want:  "permission|srv1|default|server||public|connect sql|server",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComposeKey(tt.ft, tt.parts...)
			if got != tt.want {
				t.Errorf("ComposeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeKeyIdempotent(t *testing.T) {
	key := ComposeKey(types.TypeDBUser, "Srv1", "DEFAULT", "Accounting", "guest")
	if NormalizeKey(key) != key {
		t.Errorf("NormalizeKey not idempotent: %q -> %q", key, NormalizeKey(key))
	}
}

func TestNewRowID(t *testing.T) {
	a, b := NewRowID(), NewRowID()
	if a == b {
		t.Fatal("expected distinct row IDs")
	}
	if len(ShortID(a)) != 8 {
		t.Errorf("ShortID length = %d, want 8", len(ShortID(a)))
	}
	if strings.Contains(ShortID(a), "-") {
		t.Errorf("ShortID should not contain dashes: %s", ShortID(a))
	}
}

func TestResolverUUIDFirst(t *testing.T) {
	byUUID := &types.Annotation{RowUUID: "uuid-1", EntityType: types.TypeLogin, EntityKey: "login|srv1|default|a"}
	byKey := &types.Annotation{EntityType: types.TypeLogin, EntityKey: "login|srv1|default|b"}
	r := &Resolver{Index: NewIndex([]*types.Annotation{byUUID, byKey})}

	if got := r.Resolve("uuid-1", types.TypeLogin, "anything"); got != byUUID {
		t.Error("expected UUID match to win")
	}
	if got := r.Resolve("", types.TypeLogin, "LOGIN|SRV1|DEFAULT|B"); got != byKey {
		t.Error("expected case-insensitive key fallback match")
	}
	if got := r.Resolve("", types.TypeLogin, "login|srv1|default|missing"); got != nil {
		t.Error("expected nil for unknown key")
	}
}

func TestResolverResurrectionWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := &types.Annotation{
		RowUUID:    "uuid-old",
		EntityType: types.TypeLogin,
		EntityKey:  "login|srv1|default|app",
		ModifiedAt: now.Add(-30 * 24 * time.Hour),
	}
	r := &Resolver{
		Index: NewIndex([]*types.Annotation{old}),
		Now:   func() time.Time { return now },
	}

	// A row that comes back with a fresh UUID re-binds within the window.
	if got := r.Resolve("uuid-new", types.TypeLogin, "login|srv1|default|app"); got != old {
		t.Error("expected resurrection match inside window")
	}

	old.ModifiedAt = now.Add(-200 * 24 * time.Hour)
	r.Index = NewIndex([]*types.Annotation{old})
	if got := r.Resolve("uuid-new", types.TypeLogin, "login|srv1|default|app"); got != nil {
		t.Error("expected no match outside resurrection window")
	}
}
