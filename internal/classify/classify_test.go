package classify

import (
	"testing"

	"github.com/sqlguard/sqlguard/internal/types"
)

func TestClassifySA(t *testing.T) {
	tests := []struct {
		name  string
		facts SAAccountFacts
		want  types.Status
		risk  types.Risk
	}{
		{"enabled under well-known name", SAAccountFacts{CurrentName: "sa"}, types.StatusFail, types.RiskCritical},
		{"renamed but enabled", SAAccountFacts{CurrentName: "admin_x"}, types.StatusWarn, types.RiskHigh},
		{"disabled", SAAccountFacts{CurrentName: "sa", Disabled: true}, types.StatusPass, types.RiskInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySA(tt.facts)
			if got.Status != tt.want || got.Risk != tt.risk {
				t.Errorf("classifySA() = (%s, %s), want (%s, %s)", got.Status, got.Risk, tt.want, tt.risk)
			}
		})
	}
}

func TestClassifyLogin(t *testing.T) {
	tests := []struct {
		name  string
		facts LoginFacts
		want  types.Status
	}{
		{"sql auth without policy", LoginFacts{Name: "app", SQLAuth: true}, types.StatusFail},
		{"sysadmin default db user database", LoginFacts{Name: "dba", SQLAuth: true, CheckPolicy: true, CheckExpiration: true, Sysadmin: true, DefaultDatabase: "sales"}, types.StatusWarn},
		{"system login excluded", LoginFacts{Name: "##MS_PolicyEventProcessingLogin##", SQLAuth: true}, types.StatusPass},
		{"windows login ok", LoginFacts{Name: "CORP\\svc", DefaultDatabase: "master"}, types.StatusPass},
		{"sysadmin sql login without expiration", LoginFacts{Name: "dba", SQLAuth: true, CheckPolicy: true, Sysadmin: true, DefaultDatabase: "master"}, types.StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyLogin(tt.facts); got.Status != tt.want {
				t.Errorf("classifyLogin() = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestClassifyConfig(t *testing.T) {
	s := Settings{SecuritySettings: map[string]RequiredSetting{
		"xp_cmdshell": {Required: 0, Risk: types.RiskCritical},
		"clr enabled": {Required: 0, Risk: types.RiskHigh},
		"remote access": {Required: 0, Risk: types.RiskMedium},
	}}

	if got := classifyConfig(ConfigFacts{Setting: "xp_cmdshell", Value: 1}, s); got.Status != types.StatusFail {
		t.Errorf("critical mismatch should FAIL, got %s", got.Status)
	}
	if got := classifyConfig(ConfigFacts{Setting: "remote access", Value: 1}, s); got.Status != types.StatusWarn {
		t.Errorf("medium mismatch should WARN, got %s", got.Status)
	}
	if got := classifyConfig(ConfigFacts{Setting: "xp_cmdshell", Value: 0}, s); got.Status != types.StatusPass {
		t.Errorf("match should PASS, got %s", got.Status)
	}
	// Settings without a declared requirement are informational.
	if got := classifyConfig(ConfigFacts{Setting: "max degree of parallelism", Value: 4}, s); got.Status != types.StatusPass {
		t.Errorf("undeclared setting should PASS, got %s", got.Status)
	}
}

func TestClassifyDatabaseTrustworthy(t *testing.T) {
	if got := classifyDatabase(DatabaseFacts{Name: "sales", Trustworthy: true}); got.Status != types.StatusFail {
		t.Errorf("TRUSTWORTHY user db should FAIL, got %s", got.Status)
	}
	if got := classifyDatabase(DatabaseFacts{Name: "msdb", Trustworthy: true, System: true}); got.Status != types.StatusPass {
		t.Errorf("system db should PASS regardless, got %s", got.Status)
	}
}

func TestClassifyDBUserGuest(t *testing.T) {
	if got := classifyDBUser(DBUserFacts{Database: "sales", UserName: "guest", Enabled: true}); got.Status != types.StatusFail {
		t.Errorf("guest in user db should FAIL, got %s", got.Status)
	}
	for _, db := range []string{"msdb", "tempdb"} {
		if got := classifyDBUser(DBUserFacts{Database: db, UserName: "guest", Enabled: true}); got.Status != types.StatusPass {
			t.Errorf("guest in %s should PASS, got %s", db, got.Status)
		}
	}
}

func TestClassifyLinkedServer(t *testing.T) {
	if got := classifyLinkedServer(LinkedServerFacts{LinkedName: "rpt", RemoteLogin: "sa"}); got.Status != types.StatusFail {
		t.Errorf("sa remote login should FAIL, got %s", got.Status)
	}
	if got := classifyLinkedServer(LinkedServerFacts{LinkedName: "rpt", Impersonation: true, RPCOut: true}); got.Status != types.StatusFail {
		t.Errorf("impersonation with RPC-out should FAIL, got %s", got.Status)
	}
	if got := classifyLinkedServer(LinkedServerFacts{LinkedName: "rpt", RemoteLogin: "rpt_reader"}); got.Status != types.StatusWarn {
		t.Errorf("plain linked server should WARN, got %s", got.Status)
	}
}

func TestClassifyBackup(t *testing.T) {
	s := Settings{BackupThresholdDays: 7}
	tests := []struct {
		name  string
		facts BackupFacts
		want  types.Status
	}{
		{"overdue full recovery", BackupFacts{Database: "sales", RecoveryModel: "FULL", DaysSinceLastFull: 10}, types.StatusFail},
		{"half threshold", BackupFacts{Database: "sales", RecoveryModel: "FULL", DaysSinceLastFull: 5}, types.StatusWarn},
		{"fresh", BackupFacts{Database: "sales", RecoveryModel: "FULL", DaysSinceLastFull: 1}, types.StatusPass},
		{"never backed up", BackupFacts{Database: "sales", RecoveryModel: "SIMPLE", DaysSinceLastFull: -1}, types.StatusFail},
		{"simple recovery stale is fine", BackupFacts{Database: "scratch", RecoveryModel: "SIMPLE", DaysSinceLastFull: 30}, types.StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyBackup(tt.facts, s); got.Status != tt.want {
				t.Errorf("classifyBackup() = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestClassifyServiceAgentStopped(t *testing.T) {
	got := classifyService(ServiceFacts{ServiceName: "SQLSERVERAGENT", DisplayName: "SQL Server Agent", State: "Stopped", StartMode: "Auto", Essential: true})
	if got.Status != types.StatusWarn {
		t.Errorf("stopped essential agent should WARN, got %s", got.Status)
	}
	got = classifyService(ServiceFacts{ServiceName: "SQLBrowser", DisplayName: "SQL Browser", State: "Stopped", StartMode: "Disabled"})
	if got.Status != types.StatusPass {
		t.Errorf("disabled non-essential service should PASS, got %s", got.Status)
	}
}

func TestClassifyInstanceInfoBuildLag(t *testing.T) {
	s := Settings{ExpectedBuilds: map[string]string{"2019": "15.0.4420.2"}}
	got := classifyInstanceInfo(InstanceFacts{VersionFamily: "2019", ProductVersion: "15.0.4102.2"}, s)
	if got.Status != types.StatusWarn {
		t.Errorf("lagging build should WARN, got %s", got.Status)
	}
	got = classifyInstanceInfo(InstanceFacts{VersionFamily: "2019", ProductVersion: "15.0.4420.2"}, s)
	if got.Status != types.StatusPass {
		t.Errorf("current build should PASS, got %s", got.Status)
	}
}

func TestBuildCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"15.0.4420.2", "15.0.4420.2", 0},
		{"15.0.4102.2", "15.0.4420.2", -1},
		{"16.0.1000.6", "15.0.4420.2", 1},
		{"15.0", "15.0.0.0", 0},
	}
	for _, tt := range tests {
		if got := buildCompare(tt.a, tt.b); got != tt.want {
			t.Errorf("buildCompare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClassifyStableOrder(t *testing.T) {
	snap := &Snapshot{
		Server:   "srv1",
		Instance: "DEFAULT",
		SA:       &SAAccountFacts{CurrentName: "sa"},
		Logins:   []LoginFacts{{Name: "a", SQLAuth: true}, {Name: "b", SQLAuth: true}},
		Configs:  []ConfigFacts{{Setting: "xp_cmdshell", Value: 1}},
	}
	first := Classify(snap, Settings{})
	second := Classify(snap, Settings{})
	if len(first) != len(second) || len(first) != 4 {
		t.Fatalf("expected 4 outcomes both times, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].FindingType != second[i].FindingType || first[i].Description != second[i].Description {
			t.Errorf("outcome %d differs between runs", i)
		}
	}
}

func TestCatalogCoversAllTypes(t *testing.T) {
	covered := map[types.FindingType]bool{}
	for _, r := range Catalog {
		covered[r.FindingType] = true
	}
	for _, ft := range types.AllFindingTypes {
		if ft == types.TypeInstanceInfo {
			continue // informational, not a requirement
		}
		if !covered[ft] {
			t.Errorf("no catalog requirement covers finding type %s", ft)
		}
	}
}
