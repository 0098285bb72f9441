// Package remedy generates remediation T-SQL from failed findings. Output is
// a script per instance for operator review; nothing here connects to a
// target or executes anything.
package remedy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/types"
)

// Fix is one remediation step. SQL is empty when the finding needs manual
// work; Manual then says what.
type Fix struct {
	Finding *types.Finding
	SQL     string
	Manual  string
}

// Script is the remediation plan for one instance.
type Script struct {
	Instance string // "SERVER\INSTANCE" label
	Fixes    []Fix
}

// Generate builds one script per instance from a run's findings. Only FAIL
// findings participate; WARN rows are review items, not script targets.
// Instances map finding instance ids to display labels.
func Generate(findings []*types.Finding, instances map[int64]string) []Script {
	byInstance := make(map[int64]*Script)
	var order []int64
	for _, f := range findings {
		if f.Status != types.StatusFail {
			continue
		}
		s, ok := byInstance[f.InstanceID]
		if !ok {
			s = &Script{Instance: instances[f.InstanceID]}
			byInstance[f.InstanceID] = s
			order = append(order, f.InstanceID)
		}
		s.Fixes = append(s.Fixes, fixFor(f))
	}

	out := make([]Script, 0, len(order))
	for _, id := range order {
		out = append(out, *byInstance[id])
	}
	return out
}

// fixFor maps one failed finding to its remediation step. Unknown finding
// types fall back to a manual-review note carrying the recommendation.
func fixFor(f *types.Finding) Fix {
	fix := Fix{Finding: f}
	d := details(f)
	segs := identity.KeySegments(f.EntityKey)
	key := func(i int) string {
		// Segments run {type}|{server}|{instance}|{parts...}.
		if i+3 < len(segs) {
			return segs[i+3]
		}
		return ""
	}

	switch f.FindingType {
	case types.TypeSAAccount:
		name := str(d, "current_name", key(0))
		fix.SQL = fmt.Sprintf("ALTER LOGIN %s DISABLE;", quoteName(name))

	case types.TypeConfig:
		setting := str(d, "setting", key(0))
		required, ok := num(d, "required")
		if !ok {
			fix.Manual = "no required value recorded; review " + setting + " manually"
			break
		}
		fix.SQL = strings.Join([]string{
			"EXEC sp_configure 'show advanced options', 1;",
			"RECONFIGURE;",
			fmt.Sprintf("EXEC sp_configure '%s', %d;", setting, required),
			"RECONFIGURE;",
			"EXEC sp_configure 'show advanced options', 0;",
			"RECONFIGURE;",
		}, "\n")

	case types.TypeLogin:
		fix.SQL = fmt.Sprintf("ALTER LOGIN %s WITH CHECK_POLICY = ON;", quoteName(key(0)))

	case types.TypeDatabase:
		fix.SQL = fmt.Sprintf("ALTER DATABASE %s SET TRUSTWORTHY OFF;", quoteName(key(0)))

	case types.TypeDBUser:
		fix.SQL = fmt.Sprintf("USE %s;\nREVOKE CONNECT FROM GUEST;", quoteName(key(0)))

	case types.TypeOrphanedUser:
		fix.SQL = fmt.Sprintf("USE %s;\nDROP USER %s;", quoteName(key(0)), quoteName(key(1)))

	case types.TypePermission:
		// key parts: scope, database, grantee, permission, target
		perm := strings.ToUpper(key(3))
		grantee := key(2)
		if key(0) == "server" {
			fix.SQL = fmt.Sprintf("REVOKE %s FROM %s;", perm, quoteName(grantee))
		} else {
			fix.SQL = fmt.Sprintf("USE %s;\nREVOKE %s FROM %s;", quoteName(key(1)), perm, quoteName(grantee))
		}

	case types.TypeClientProtocol:
		fix.Manual = "disable the protocol in SQL Server Configuration Manager and restart the service"

	default:
		rec := f.Recommendation
		if rec == "" {
			rec = f.Description
		}
		fix.Manual = "manual review: " + rec
	}
	return fix
}

// Render emits the script as reviewable T-SQL with one banner per fix.
func (s Script) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Remediation script for %s\n", s.Instance)
	b.WriteString("-- Review every statement before execution. Statements are independent;\n")
	b.WriteString("-- remove any fix that conflicts with a documented exception.\n")
	for _, fix := range s.Fixes {
		fmt.Fprintf(&b, "\n-- [%s] %s\n", strings.ToUpper(string(fix.Finding.Risk)), fix.Finding.Description)
		if fix.SQL != "" {
			b.WriteString(fix.SQL)
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "-- MANUAL: %s\n", fix.Manual)
		}
	}
	return b.String()
}

// quoteName brackets a SQL Server identifier, escaping closing brackets.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func details(f *types.Finding) map[string]any {
	if f.Details == "" {
		return nil
	}
	var d map[string]any
	if err := json.Unmarshal([]byte(f.Details), &d); err != nil {
		return nil
	}
	return d
}

func str(d map[string]any, key, fallback string) string {
	if v, ok := d[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func num(d map[string]any, key string) (int, bool) {
	switch v := d[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
