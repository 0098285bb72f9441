package classify

import "github.com/sqlguard/sqlguard/internal/types"

// Requirement is one entry of the security requirement catalog. The catalog
// is reporting metadata: the rules themselves live in the classify functions.
type Requirement struct {
	Code        string
	FindingType types.FindingType
	Title       string
	Risk        types.Risk
}

// Catalog lists the security requirements the auditor evaluates.
var Catalog = []Requirement{
	{"SG-01", types.TypeSAAccount, "Built-in sa account is disabled", types.RiskCritical},
	{"SG-02", types.TypeSAAccount, "Built-in sa account is renamed", types.RiskHigh},
	{"SG-03", types.TypeLogin, "SQL logins enforce Windows password policy (CHECK_POLICY)", types.RiskHigh},
	{"SG-04", types.TypeLogin, "Administrative SQL logins enforce password expiration", types.RiskMedium},
	{"SG-05", types.TypeLogin, "Sysadmin logins default to a system database", types.RiskMedium},
	{"SG-06", types.TypeServerRoleMember, "sysadmin membership is minimal and approved", types.RiskHigh},
	{"SG-07", types.TypeServerRoleMember, "securityadmin membership is minimal and approved", types.RiskHigh},
	{"SG-08", types.TypeServerRoleMember, "Other sensitive server roles are reviewed", types.RiskMedium},
	{"SG-09", types.TypeConfig, "xp_cmdshell is disabled", types.RiskCritical},
	{"SG-10", types.TypeConfig, "CLR integration is disabled", types.RiskHigh},
	{"SG-11", types.TypeConfig, "Cross-database ownership chaining is disabled", types.RiskHigh},
	{"SG-12", types.TypeConfig, "Database Mail XPs are disabled unless required", types.RiskMedium},
	{"SG-13", types.TypeConfig, "OLE Automation procedures are disabled", types.RiskHigh},
	{"SG-14", types.TypeConfig, "Remote access is disabled", types.RiskMedium},
	{"SG-15", types.TypeConfig, "Remote admin connections are restricted", types.RiskMedium},
	{"SG-16", types.TypeConfig, "Scan for startup procs is disabled", types.RiskMedium},
	{"SG-17", types.TypeDatabase, "User databases are not TRUSTWORTHY", types.RiskHigh},
	{"SG-18", types.TypeDBUser, "guest is disabled in user databases", types.RiskHigh},
	{"SG-19", types.TypeDBRoleMember, "db_owner membership is minimal", types.RiskMedium},
	{"SG-20", types.TypeOrphanedUser, "No orphaned database users", types.RiskMedium},
	{"SG-21", types.TypePermission, "public holds no high-impact grants", types.RiskHigh},
	{"SG-22", types.TypeLinkedServer, "Linked servers use low-privilege security contexts", types.RiskHigh},
	{"SG-23", types.TypeTrigger, "DDL and logon triggers are sanctioned", types.RiskMedium},
	{"SG-24", types.TypeBackup, "Full backups are current for the recovery model", types.RiskHigh},
	{"SG-25", types.TypeService, "SQL services run, and run under low-privilege accounts", types.RiskMedium},
	{"SG-26", types.TypeClientProtocol, "Legacy client protocols are disabled", types.RiskMedium},
	{"SG-27", types.TypeEncryption, "Keys and certificates meet strength requirements", types.RiskMedium},
	{"SG-28", types.TypeAuditSettings, "Login auditing and tracing are enabled", types.RiskHigh},
}
