package classify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sqlguard/sqlguard/internal/types"
)

// RequiredSetting declares the required value and risk for one sp_configure
// setting. Settings are data: the rule is the same for all of them.
type RequiredSetting struct {
	Required int        `yaml:"required"`
	Risk     types.Risk `yaml:"risk"`
}

// Settings parameterizes the classifier. All fields come from the audit
// configuration; the classifier itself never reads config or the store.
type Settings struct {
	SecuritySettings    map[string]RequiredSetting `yaml:"security_settings"`
	ExpectedBuilds      map[string]string          `yaml:"expected_builds"` // version family -> build
	BackupThresholdDays int                        `yaml:"backup_threshold_days"`
	ApprovedSysadmins   []string                   `yaml:"approved_sysadmins"`
}

// Outcome is one classified check result, not yet bound to a run or an
// instance row. The engine turns outcomes into persisted findings.
type Outcome struct {
	FindingType    types.FindingType
	KeyParts       []string // parts after server and instance, raw (un-normalized)
	Status         types.Status
	Risk           types.Risk
	Description    string
	Recommendation string
	Details        map[string]any
}

// Classify maps one instance snapshot to its full outcome set. Output order
// is stable: finding types in canonical order, entities in collector order.
func Classify(snap *Snapshot, s Settings) []Outcome {
	var out []Outcome

	if snap.Info != nil {
		out = append(out, classifyInstanceInfo(*snap.Info, s))
	}
	if snap.SA != nil {
		out = append(out, classifySA(*snap.SA))
	}
	for _, f := range snap.Logins {
		out = append(out, classifyLogin(f))
	}
	for _, f := range snap.RoleMembers {
		out = append(out, classifyServerRoleMember(f, s))
	}
	for _, f := range snap.Configs {
		out = append(out, classifyConfig(f, s))
	}
	for _, f := range snap.Services {
		out = append(out, classifyService(f))
	}
	for _, f := range snap.Databases {
		out = append(out, classifyDatabase(f))
	}
	for _, f := range snap.DBUsers {
		out = append(out, classifyDBUser(f))
	}
	for _, f := range snap.DBRoleMembers {
		out = append(out, classifyDBRoleMember(f))
	}
	for _, f := range snap.OrphanedUsers {
		out = append(out, classifyOrphanedUser(f))
	}
	for _, f := range snap.Permissions {
		out = append(out, classifyPermission(f))
	}
	for _, f := range snap.LinkedServers {
		out = append(out, classifyLinkedServer(f))
	}
	for _, f := range snap.Triggers {
		out = append(out, classifyTrigger(f))
	}
	for _, f := range snap.Backups {
		out = append(out, classifyBackup(f, s))
	}
	for _, f := range snap.Protocols {
		out = append(out, classifyProtocol(f))
	}
	for _, f := range snap.Encryption {
		out = append(out, classifyEncryption(f))
	}
	for _, f := range snap.AuditSettings {
		out = append(out, classifyAuditSetting(f))
	}
	return out
}

func classifyInstanceInfo(f InstanceFacts, s Settings) Outcome {
	o := Outcome{
		FindingType: types.TypeInstanceInfo,
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("SQL Server %s build %s (%s)", f.VersionFamily, f.ProductVersion, f.Edition),
		Details: map[string]any{
			"product_version": f.ProductVersion,
			"product_level":   f.ProductLevel,
			"edition":         f.Edition,
		},
	}
	expected, ok := s.ExpectedBuilds[f.VersionFamily]
	if !ok {
		return o
	}
	if buildCompare(f.ProductVersion, expected) < 0 {
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Build %s lags the expected %s for SQL Server %s", f.ProductVersion, expected, f.VersionFamily)
		o.Recommendation = fmt.Sprintf("Apply the cumulative update bringing the instance to build %s or later.", expected)
	}
	return o
}

// buildCompare compares two 4-part SQL Server build numbers. Missing or
// malformed segments compare as zero.
func buildCompare(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < 4; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func classifySA(f SAAccountFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeSAAccount,
		KeyParts:    []string{f.CurrentName},
		Details:     map[string]any{"current_name": f.CurrentName, "disabled": f.Disabled},
	}
	switch {
	case f.Disabled:
		o.Status = types.StatusPass
		o.Risk = types.RiskInfo
		o.Description = fmt.Sprintf("Built-in administrator account %q is disabled", f.CurrentName)
	case strings.EqualFold(f.CurrentName, "sa"):
		o.Status = types.StatusFail
		o.Risk = types.RiskCritical
		o.Description = "The sa account is enabled under its well-known name"
		o.Recommendation = "Disable the sa account, or rename it and disable it; use dedicated admin logins instead."
	default:
		o.Status = types.StatusWarn
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("Built-in administrator account is renamed to %q but still enabled", f.CurrentName)
		o.Recommendation = "Disable the built-in administrator account."
	}
	return o
}

// isSystemLogin reports whether a login is a SQL-internal certificate login
// such as ##MS_PolicyEventProcessingLogin##. These are excluded from policy
// discrepancy checks.
func isSystemLogin(name string) bool {
	return strings.HasPrefix(name, "##") && strings.HasSuffix(name, "##")
}

func classifyLogin(f LoginFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeLogin,
		KeyParts:    []string{f.Name},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Login %q complies with policy requirements", f.Name),
		Details: map[string]any{
			"sql_auth":         f.SQLAuth,
			"check_policy":     f.CheckPolicy,
			"check_expiration": f.CheckExpiration,
			"sysadmin":         f.Sysadmin,
			"default_database": f.DefaultDatabase,
			"disabled":         f.Disabled,
		},
	}
	if isSystemLogin(f.Name) {
		o.Description = fmt.Sprintf("System login %q (excluded from policy checks)", f.Name)
		return o
	}
	switch {
	case f.SQLAuth && !f.CheckPolicy:
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("SQL login %q has CHECK_POLICY disabled", f.Name)
		o.Recommendation = "ALTER LOGIN ... WITH CHECK_POLICY = ON."
	case f.Sysadmin && !strings.EqualFold(f.DefaultDatabase, "master") && !strings.EqualFold(f.DefaultDatabase, "tempdb"):
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Sysadmin login %q defaults to user database %q", f.Name, f.DefaultDatabase)
		o.Recommendation = "Point sysadmin logins at master or tempdb to avoid lockout on database problems."
	case f.SQLAuth && f.Sysadmin && !f.CheckExpiration:
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Sysadmin SQL login %q has CHECK_EXPIRATION disabled", f.Name)
		o.Recommendation = "ALTER LOGIN ... WITH CHECK_EXPIRATION = ON for administrative SQL logins."
	}
	return o
}

// sensitiveServerRoles are the fixed roles whose membership is reviewed.
var sensitiveServerRoles = map[string]types.Risk{
	"sysadmin":      types.RiskHigh,
	"securityadmin": types.RiskHigh,
	"serveradmin":   types.RiskMedium,
	"setupadmin":    types.RiskMedium,
	"processadmin":  types.RiskMedium,
}

func classifyServerRoleMember(f ServerRoleMemberFacts, s Settings) Outcome {
	o := Outcome{
		FindingType: types.TypeServerRoleMember,
		KeyParts:    []string{f.Role, f.Member},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("%q is a member of server role %q", f.Member, f.Role),
		Details:     map[string]any{"role": f.Role, "member": f.Member},
	}
	risk, sensitive := sensitiveServerRoles[strings.ToLower(f.Role)]
	if !sensitive || isSystemLogin(f.Member) || strings.EqualFold(f.Member, "sa") {
		return o
	}
	for _, approved := range s.ApprovedSysadmins {
		if strings.EqualFold(approved, f.Member) {
			o.Description = fmt.Sprintf("%q is an approved member of server role %q", f.Member, f.Role)
			return o
		}
	}
	o.Status = types.StatusWarn
	o.Risk = risk
	o.Description = fmt.Sprintf("%q holds membership in sensitive server role %q", f.Member, f.Role)
	o.Recommendation = "Review and remove the membership, or document it as an approved exception."
	return o
}

func classifyConfig(f ConfigFacts, s Settings) Outcome {
	o := Outcome{
		FindingType: types.TypeConfig,
		KeyParts:    []string{f.Setting},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Setting %q = %d", f.Setting, f.Value),
		Details:     map[string]any{"setting": f.Setting, "value": f.Value},
	}
	req, ok := s.SecuritySettings[strings.ToLower(f.Setting)]
	if !ok || f.Value == req.Required {
		if ok {
			o.Description = fmt.Sprintf("Setting %q = %d matches the required value", f.Setting, f.Value)
		}
		return o
	}
	o.Risk = req.Risk
	o.Description = fmt.Sprintf("Setting %q = %d, required %d", f.Setting, f.Value, req.Required)
	o.Recommendation = fmt.Sprintf("EXEC sp_configure '%s', %d; RECONFIGURE;", f.Setting, req.Required)
	o.Details["required"] = req.Required
	switch req.Risk {
	case types.RiskCritical, types.RiskHigh:
		o.Status = types.StatusFail
	default:
		o.Status = types.StatusWarn
	}
	return o
}

func classifyService(f ServiceFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeService,
		KeyParts:    []string{f.ServiceName},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Service %q is %s (%s start)", f.DisplayName, strings.ToLower(f.State), strings.ToLower(f.StartMode)),
		Details: map[string]any{
			"state":      f.State,
			"start_mode": f.StartMode,
			"account":    f.Account,
			"essential":  f.Essential,
		},
	}
	switch {
	case f.Essential && strings.EqualFold(f.State, "Stopped"):
		// SQL Agent (or engine) down on an instance that needs it.
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Essential service %q is stopped", f.DisplayName)
		o.Recommendation = "Start the service and set its start mode to Automatic."
	case strings.EqualFold(f.Account, "LocalSystem"):
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Service %q runs as LocalSystem", f.DisplayName)
		o.Recommendation = "Run SQL services under a low-privilege managed service account."
	}
	return o
}

func classifyDatabase(f DatabaseFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeDatabase,
		KeyParts:    []string{f.Name},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Database %q", f.Name),
		Details:     map[string]any{"trustworthy": f.Trustworthy, "owner": f.Owner, "system": f.System},
	}
	// System databases (msdb in particular) legitimately carry TRUSTWORTHY.
	if !f.System && f.Trustworthy {
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("User database %q has TRUSTWORTHY enabled", f.Name)
		o.Recommendation = fmt.Sprintf("ALTER DATABASE [%s] SET TRUSTWORTHY OFF;", f.Name)
	}
	return o
}

func classifyDBUser(f DBUserFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeDBUser,
		KeyParts:    []string{f.Database, f.UserName},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("User %q in database %q", f.UserName, f.Database),
		Details:     map[string]any{"enabled": f.Enabled},
	}
	// guest is expected to hold CONNECT in msdb and tempdb.
	guestOK := strings.EqualFold(f.Database, "msdb") || strings.EqualFold(f.Database, "tempdb")
	if strings.EqualFold(f.UserName, "guest") && f.Enabled && !guestOK {
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("guest user is enabled in database %q", f.Database)
		o.Recommendation = fmt.Sprintf("USE [%s]; REVOKE CONNECT FROM GUEST;", f.Database)
	}
	return o
}

func classifyDBRoleMember(f DBRoleMemberFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeDBRoleMember,
		KeyParts:    []string{f.Database, f.Role, f.Member},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("%q is a member of %q in database %q", f.Member, f.Role, f.Database),
		Details:     map[string]any{},
	}
	if strings.EqualFold(f.Role, "db_owner") && !strings.EqualFold(f.Member, "dbo") {
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("%q holds db_owner in database %q", f.Member, f.Database)
		o.Recommendation = "Grant the specific permissions the principal needs instead of db_owner."
	}
	return o
}

func classifyOrphanedUser(f OrphanedUserFacts) Outcome {
	return Outcome{
		FindingType:    types.TypeOrphanedUser,
		KeyParts:       []string{f.Database, f.UserName},
		Status:         types.StatusFail,
		Risk:           types.RiskMedium,
		Description:    fmt.Sprintf("User %q in database %q has no matching server login", f.UserName, f.Database),
		Recommendation: "Drop the orphaned user or re-map it to an existing login.",
		Details:        map[string]any{},
	}
}

func classifyPermission(f PermissionFacts) Outcome {
	o := Outcome{
		FindingType: types.TypePermission,
		KeyParts:    []string{f.Scope, f.Database, f.Grantee, f.Permission, f.Target},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("%s %s on %s to %q", f.State, f.Permission, f.Target, f.Grantee),
		Details:     map[string]any{"state": f.State},
	}
	if strings.EqualFold(f.State, "DENY") {
		return o
	}
	perm := strings.ToUpper(f.Permission)
	highImpact := strings.HasPrefix(perm, "CONTROL") || strings.HasPrefix(perm, "ALTER") ||
		perm == "IMPERSONATE" || perm == "TAKE OWNERSHIP"
	switch {
	case strings.EqualFold(f.Grantee, "public") && highImpact:
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("public is granted %s on %s", f.Permission, f.Target)
		o.Recommendation = "Revoke the grant from public; grant to specific principals if needed."
	case strings.EqualFold(f.Grantee, "public"):
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("public is granted %s on %s", f.Permission, f.Target)
		o.Recommendation = "Review whether the grant to public is required."
	case strings.EqualFold(f.State, "GRANT_WITH_GRANT"):
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("%q holds %s WITH GRANT OPTION on %s", f.Grantee, f.Permission, f.Target)
		o.Recommendation = "Remove the grant option unless delegation is intended."
	}
	return o
}

func classifyLinkedServer(f LinkedServerFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeLinkedServer,
		KeyParts:    []string{f.LinkedName},
		Details: map[string]any{
			"remote_login":  f.RemoteLogin,
			"impersonation": f.Impersonation,
			"rpc_out":       f.RPCOut,
			"data_access":   f.DataAccess,
		},
	}
	switch {
	case strings.EqualFold(f.RemoteLogin, "sa"), f.Impersonation && f.RPCOut:
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("Linked server %q uses a privileged security context", f.LinkedName)
		o.Recommendation = "Map the linked server to a low-privilege remote login and disable RPC-out unless required."
	default:
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Linked server %q is defined", f.LinkedName)
		o.Recommendation = "Review whether the linked server is still required and how its logins are mapped."
	}
	return o
}

func classifyTrigger(f TriggerFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeTrigger,
		KeyParts:    []string{f.Scope, f.Database, f.TriggerName, f.Event},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Trigger %q on %s (%s) is disabled", f.TriggerName, f.Scope, f.Event),
		Details:     map[string]any{"disabled": f.Disabled},
	}
	if !f.Disabled {
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("%s-scope trigger %q fires on %s", f.Scope, f.TriggerName, f.Event)
		o.Recommendation = "Confirm the trigger is sanctioned; unsanctioned DDL/logon triggers are a persistence vector."
	}
	return o
}

// requiresFullBackups reports whether the recovery model implies regular
// full backups are mandatory.
func requiresFullBackups(model string) bool {
	m := strings.ToUpper(model)
	return m == "FULL" || m == "BULK_LOGGED"
}

func classifyBackup(f BackupFacts, s Settings) Outcome {
	threshold := s.BackupThresholdDays
	if threshold <= 0 {
		threshold = 7
	}
	o := Outcome{
		FindingType: types.TypeBackup,
		KeyParts:    []string{f.Database, f.RecoveryModel},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Database %q (%s recovery) backed up %d days ago", f.Database, f.RecoveryModel, f.DaysSinceLastFull),
		Details:     map[string]any{"days_since_last_full": f.DaysSinceLastFull},
	}
	switch {
	case f.DaysSinceLastFull < 0:
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("Database %q has never had a full backup", f.Database)
		o.Recommendation = "Schedule full backups and verify restore procedures."
	case requiresFullBackups(f.RecoveryModel) && f.DaysSinceLastFull > threshold:
		o.Status = types.StatusFail
		o.Risk = types.RiskHigh
		o.Description = fmt.Sprintf("Database %q last full backup is %d days old (threshold %d)", f.Database, f.DaysSinceLastFull, threshold)
		o.Recommendation = "Investigate the backup job and restore the backup cadence."
	case requiresFullBackups(f.RecoveryModel) && f.DaysSinceLastFull > threshold/2:
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Database %q last full backup is %d days old", f.Database, f.DaysSinceLastFull)
	}
	return o
}

func classifyProtocol(f ProtocolFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeClientProtocol,
		KeyParts:    []string{f.Protocol},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Protocol %q is %s", f.Protocol, enabledWord(f.Enabled)),
		Details:     map[string]any{"enabled": f.Enabled},
	}
	p := strings.ToLower(f.Protocol)
	if f.Enabled && p != "tcp/ip" && p != "shared memory" {
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("Legacy protocol %q is enabled", f.Protocol)
		o.Recommendation = "Disable protocols other than TCP/IP and Shared Memory unless a client requires them."
	}
	return o
}

func enabledWord(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func classifyEncryption(f EncryptionFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeEncryption,
		KeyParts:    []string{f.KeyType, f.KeyName},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("%s %q uses %s/%d", f.KeyType, f.KeyName, f.Algorithm, f.KeyLength),
		Details:     map[string]any{"algorithm": f.Algorithm, "key_length": f.KeyLength},
	}
	alg := strings.ToUpper(f.Algorithm)
	weakSymmetric := alg == "DES" || alg == "TRIPLE_DES" || alg == "TRIPLE_DES_3KEY" ||
		alg == "RC2" || alg == "RC4" || alg == "RC4_128" || alg == "AES_128"
	switch {
	case (f.KeyType == "certificate" || f.KeyType == "asymmetric_key") && f.KeyLength > 0 && f.KeyLength < 2048:
		o.Status = types.StatusFail
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("%s %q uses a %d-bit key", f.KeyType, f.KeyName, f.KeyLength)
		o.Recommendation = "Re-issue the key with at least 2048 bits."
	case weakSymmetric:
		o.Status = types.StatusWarn
		o.Risk = types.RiskMedium
		o.Description = fmt.Sprintf("%s %q uses weak algorithm %s", f.KeyType, f.KeyName, f.Algorithm)
		o.Recommendation = "Re-encrypt with AES_256."
	}
	return o
}

func classifyAuditSetting(f AuditSettingFacts) Outcome {
	o := Outcome{
		FindingType: types.TypeAuditSettings,
		KeyParts:    []string{f.Setting},
		Status:      types.StatusPass,
		Risk:        types.RiskInfo,
		Description: fmt.Sprintf("Audit setting %q = %q", f.Setting, f.Value),
		Details:     map[string]any{"value": f.Value},
	}
	switch strings.ToLower(f.Setting) {
	case "login_auditing":
		// At minimum failed logins must be captured.
		if strings.EqualFold(f.Value, "none") {
			o.Status = types.StatusFail
			o.Risk = types.RiskHigh
			o.Description = "Login auditing is disabled"
			o.Recommendation = "Enable auditing of at least failed logins."
		} else if strings.EqualFold(f.Value, "success") {
			o.Status = types.StatusWarn
			o.Risk = types.RiskMedium
			o.Description = "Login auditing captures successes but not failures"
			o.Recommendation = "Audit failed logins as well."
		}
	case "default_trace":
		if strings.EqualFold(f.Value, "off") || f.Value == "0" {
			o.Status = types.StatusWarn
			o.Risk = types.RiskMedium
			o.Description = "The default trace is disabled"
			o.Recommendation = "Re-enable the default trace or replace it with a server audit."
		}
	}
	return o
}
