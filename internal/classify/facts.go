// Package classify maps collected per-entity facts to check outcomes.
//
// The classifier is pure: it reads nothing but its inputs and the rule
// settings passed in, so the same facts always produce the same findings.
package classify

// Snapshot is everything a collector delivers for one instance. A nil or
// empty slice means the collector found no such entities; an instance absent
// from a sync's snapshot set entirely was not scanned.
type Snapshot struct {
	Server   string
	Instance string // "DEFAULT" for the default instance
	Port     int

	Info          *InstanceFacts
	SA            *SAAccountFacts
	Logins        []LoginFacts
	RoleMembers   []ServerRoleMemberFacts
	Configs       []ConfigFacts
	Services      []ServiceFacts
	Databases     []DatabaseFacts
	DBUsers       []DBUserFacts
	DBRoleMembers []DBRoleMemberFacts
	OrphanedUsers []OrphanedUserFacts
	Permissions   []PermissionFacts
	LinkedServers []LinkedServerFacts
	Triggers      []TriggerFacts
	Backups       []BackupFacts
	Protocols     []ProtocolFacts
	Encryption    []EncryptionFacts
	AuditSettings []AuditSettingFacts
}

// InstanceFacts covers version and patch level.
type InstanceFacts struct {
	ProductVersion string // e.g. "15.0.4420.2"
	ProductLevel   string // e.g. "RTM", "SP1"
	Edition        string
	VersionFamily  string // e.g. "2019"
	Clustered      bool
}

// SAAccountFacts describes the principal with sid 0x01.
type SAAccountFacts struct {
	CurrentName string
	Disabled    bool
}

// LoginFacts describes one server login.
type LoginFacts struct {
	Name            string
	SQLAuth         bool // SQL authentication (vs Windows)
	CheckPolicy     bool
	CheckExpiration bool
	Sysadmin        bool
	DefaultDatabase string
	Disabled        bool
}

// ServerRoleMemberFacts is one (role, member) edge.
type ServerRoleMemberFacts struct {
	Role   string
	Member string
}

// ConfigFacts is one sp_configure setting with its running value.
type ConfigFacts struct {
	Setting string
	Value   int
}

// ServiceFacts describes one SQL-related Windows service.
type ServiceFacts struct {
	ServiceName string
	DisplayName string
	State       string // "Running", "Stopped"
	StartMode   string // "Auto", "Manual", "Disabled"
	Account     string
	Essential   bool // engine and agent on production instances
}

// DatabaseFacts describes one database.
type DatabaseFacts struct {
	Name        string
	Trustworthy bool
	Owner       string
	System      bool
}

// DBUserFacts describes one database user.
type DBUserFacts struct {
	Database string
	UserName string
	Enabled  bool // for guest: CONNECT granted
}

// DBRoleMemberFacts is one (database, role, member) edge.
type DBRoleMemberFacts struct {
	Database string
	Role     string
	Member   string
}

// OrphanedUserFacts is a database user whose server login no longer exists.
type OrphanedUserFacts struct {
	Database string
	UserName string
}

// PermissionFacts is one explicit permission grant.
type PermissionFacts struct {
	Scope      string // "server" or "database"
	Database   string // empty at server scope
	Grantee    string
	Permission string // e.g. "CONTROL SERVER"
	Target     string
	State      string // "GRANT", "GRANT_WITH_GRANT", "DENY"
}

// LinkedServerFacts describes one linked server definition.
type LinkedServerFacts struct {
	LinkedName    string
	RemoteLogin   string // remote login used for the catch-all mapping
	Impersonation bool   // self-mapping of local logins
	RPCOut        bool
	DataAccess    bool
}

// TriggerFacts describes one DDL or logon trigger.
type TriggerFacts struct {
	Scope       string // "server" or "database"
	Database    string // empty at server scope
	TriggerName string
	Event       string // e.g. "LOGON", "DDL_LOGIN_EVENTS"
	Disabled    bool
}

// BackupFacts is the backup posture of one database.
type BackupFacts struct {
	Database          string
	RecoveryModel     string // "FULL", "BULK_LOGGED", "SIMPLE"
	DaysSinceLastFull int    // -1 when never backed up
}

// ProtocolFacts is one client protocol's enablement.
type ProtocolFacts struct {
	Protocol string // "Shared Memory", "TCP/IP", "Named Pipes", "VIA"
	Enabled  bool
}

// EncryptionFacts describes one key or certificate.
type EncryptionFacts struct {
	KeyType   string // "certificate", "asymmetric_key", "symmetric_key", "dek"
	KeyName   string
	Algorithm string
	KeyLength int
}

// AuditSettingFacts is one instance-level audit setting.
type AuditSettingFacts struct {
	Setting string // e.g. "login_auditing", "c2_audit_mode", "default_trace"
	Value   string
}
