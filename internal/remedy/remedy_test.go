package remedy

import (
	"strings"
	"testing"

	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/types"
)

func finding(instID int64, ft types.FindingType, status types.Status, details string, keyParts ...string) *types.Finding {
	parts := append([]string{"SQL01", "DEFAULT"}, keyParts...)
	return &types.Finding{
		InstanceID:  instID,
		FindingType: ft,
		EntityKey:   identity.ComposeKey(ft, parts...),
		Status:      status,
		Risk:        types.RiskHigh,
		Description: "desc",
		Details:     details,
	}
}

func TestGenerateGroupsByInstanceAndSkipsNonFail(t *testing.T) {
	findings := []*types.Finding{
		finding(1, types.TypeSAAccount, types.StatusFail, `{"current_name":"sa"}`, "sa"),
		finding(1, types.TypeConfig, types.StatusWarn, `{"setting":"remote access","required":0}`, "remote access"),
		finding(2, types.TypeDatabase, types.StatusFail, `{"trustworthy":true}`, "Payroll"),
	}
	scripts := Generate(findings, map[int64]string{1: `SQL01\DEFAULT`, 2: `SQL02\DEFAULT`})

	if len(scripts) != 2 {
		t.Fatalf("expected 2 scripts, got %d", len(scripts))
	}
	if len(scripts[0].Fixes) != 1 {
		t.Fatalf("WARN finding must not produce a fix, got %d fixes", len(scripts[0].Fixes))
	}
	if got := scripts[0].Fixes[0].SQL; got != "ALTER LOGIN [sa] DISABLE;" {
		t.Errorf("sa fix = %q", got)
	}
	if got := scripts[1].Fixes[0].SQL; !strings.Contains(got, "SET TRUSTWORTHY OFF") {
		t.Errorf("trustworthy fix = %q", got)
	}
}

func TestConfigFixUsesRequiredValue(t *testing.T) {
	f := finding(1, types.TypeConfig, types.StatusFail,
		`{"setting":"xp_cmdshell","value":1,"required":0}`, "xp_cmdshell")
	fix := fixFor(f)
	if !strings.Contains(fix.SQL, "EXEC sp_configure 'xp_cmdshell', 0;") {
		t.Fatalf("config fix = %q", fix.SQL)
	}
	if !strings.Contains(fix.SQL, "show advanced options") {
		t.Errorf("config fix should toggle advanced options: %q", fix.SQL)
	}
}

func TestConfigFixWithoutRequiredFallsBackToManual(t *testing.T) {
	f := finding(1, types.TypeConfig, types.StatusFail, `{"setting":"xp_cmdshell"}`, "xp_cmdshell")
	fix := fixFor(f)
	if fix.SQL != "" || fix.Manual == "" {
		t.Fatalf("expected manual note, got SQL %q manual %q", fix.SQL, fix.Manual)
	}
}

func TestGuestAndOrphanedUserFixes(t *testing.T) {
	guest := fixFor(finding(1, types.TypeDBUser, types.StatusFail, `{"enabled":true}`, "Sales", "guest"))
	if guest.SQL != "USE [sales];\nREVOKE CONNECT FROM GUEST;" {
		t.Errorf("guest fix = %q", guest.SQL)
	}
	orphan := fixFor(finding(1, types.TypeOrphanedUser, types.StatusFail, "", "Sales", "old_user"))
	if orphan.SQL != "USE [sales];\nDROP USER [old_user];" {
		t.Errorf("orphan fix = %q", orphan.SQL)
	}
}

func TestQuoteNameEscapesBrackets(t *testing.T) {
	if got := quoteName("odd]name"); got != "[odd]]name]" {
		t.Fatalf("quoteName = %q", got)
	}
}

func TestRenderMarksManualSteps(t *testing.T) {
	s := Script{
		Instance: `SQL01\DEFAULT`,
		Fixes: []Fix{
			fixFor(finding(1, types.TypeClientProtocol, types.StatusFail, "", "VIA")),
		},
	}
	out := s.Render()
	if !strings.Contains(out, "-- MANUAL:") {
		t.Fatalf("manual fix not marked:\n%s", out)
	}
	if !strings.Contains(out, `SQL01\DEFAULT`) {
		t.Errorf("instance label missing from banner")
	}
}
