package collect

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/debug"
	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/types"
)

// CredentialSource resolves a target's credential_ref to a password.
// Plaintext never appears in configuration; the default source reads the
// environment.
type CredentialSource interface {
	Password(ref string) (string, error)
}

// EnvCredentialSource maps a credential_ref to SQLGUARD_CRED_<REF> with
// non-alphanumerics folded to underscores.
type EnvCredentialSource struct{}

func (EnvCredentialSource) Password(ref string) (string, error) {
	key := "SQLGUARD_CRED_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 32
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
	pw := os.Getenv(key)
	if pw == "" {
		return "", errkind.Config("credential %q: %s is not set", ref, key)
	}
	return pw, nil
}

// MSSQLCollector collects snapshots over TDS.
type MSSQLCollector struct {
	Credentials  CredentialSource
	QueryTimeout time.Duration
}

// NewMSSQLCollector applies the configured query timeout.
func NewMSSQLCollector(creds CredentialSource) *MSSQLCollector {
	if creds == nil {
		creds = EnvCredentialSource{}
	}
	timeout := config.GetDuration("collect.query-timeout")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MSSQLCollector{Credentials: creds, QueryTimeout: timeout}
}

// Collect connects to one target and gathers its snapshot. Version and sa
// facts are load-bearing; any other section degrades to an empty slice with
// a debug log line so a locked-down permission set still yields an audit.
func (c *MSSQLCollector) Collect(ctx context.Context, target config.Target) (*classify.Snapshot, error) {
	dsn, err := c.dsn(target)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection to %s: %w", target.ID, err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errkind.ErrTargetUnreachable, target.ID, err)
	}

	instance := target.Instance
	if instance == "" {
		instance = types.DefaultInstanceName
	}
	snap := &classify.Snapshot{
		Server:   target.Server,
		Instance: instance,
		Port:     target.Port,
	}

	if snap.Info, err = c.collectInfo(ctx, db); err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ID, err)
	}
	if snap.SA, err = c.collectSA(ctx, db); err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ID, err)
	}

	sections := []struct {
		name string
		fn   func(context.Context, *sql.DB, *classify.Snapshot) error
	}{
		{"logins", c.collectLogins},
		{"server role members", c.collectRoleMembers},
		{"configurations", c.collectConfigs},
		{"services", c.collectServices},
		{"databases", c.collectDatabases},
		{"database principals", c.collectDatabasePrincipals},
		{"permissions", c.collectPermissions},
		{"linked servers", c.collectLinkedServers},
		{"triggers", c.collectTriggers},
		{"backups", c.collectBackups},
		{"protocols", c.collectProtocols},
		{"encryption", c.collectEncryption},
		{"audit settings", c.collectAuditSettings},
	}
	for _, s := range sections {
		if err := s.fn(ctx, db, snap); err != nil {
			debug.Logf("target %s: collecting %s: %v", target.ID, s.name, err)
		}
	}
	return snap, nil
}

func (c *MSSQLCollector) dsn(target config.Target) (string, error) {
	u := &url.URL{
		Scheme: "sqlserver",
		Host:   target.Server,
	}
	if target.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", target.Server, target.Port)
	}
	if target.Instance != "" {
		u.Path = target.Instance
	}
	q := url.Values{}
	q.Set("app name", "sqlguard")
	q.Set("database", "master")
	if target.ConnectTimeout != "" {
		d, err := time.ParseDuration(target.ConnectTimeout)
		if err != nil {
			return "", errkind.Config("target %q: bad connect_timeout %q", target.ID, target.ConnectTimeout)
		}
		q.Set("dial timeout", fmt.Sprintf("%d", int(d.Seconds())))
	}
	if target.Auth == config.AuthSQL {
		pw, err := c.Credentials.Password(target.CredentialRef)
		if err != nil {
			return "", err
		}
		u.User = url.UserPassword(target.Username, pw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// query runs one catalog query under the per-query timeout, invoking scan
// for every row.
func (c *MSSQLCollector) query(ctx context.Context, db *sql.DB, q string, scan func(*sql.Rows) error) error {
	qctx, cancel := context.WithTimeout(ctx, c.QueryTimeout)
	defer cancel()
	rows, err := db.QueryContext(qctx, q)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c *MSSQLCollector) queryRow(ctx context.Context, db *sql.DB, q string, dest ...any) error {
	qctx, cancel := context.WithTimeout(ctx, c.QueryTimeout)
	defer cancel()
	return db.QueryRowContext(qctx, q).Scan(dest...)
}

func (c *MSSQLCollector) collectInfo(ctx context.Context, db *sql.DB) (*classify.InstanceFacts, error) {
	var f classify.InstanceFacts
	var clustered int
	err := c.queryRow(ctx, db, `
		SELECT CAST(SERVERPROPERTY('ProductVersion') AS nvarchar(128)),
		       CAST(SERVERPROPERTY('ProductLevel') AS nvarchar(128)),
		       CAST(SERVERPROPERTY('Edition') AS nvarchar(128)),
		       CAST(ISNULL(SERVERPROPERTY('IsClustered'), 0) AS int)
	`, &f.ProductVersion, &f.ProductLevel, &f.Edition, &clustered)
	if err != nil {
		return nil, fmt.Errorf("reading server properties: %w", err)
	}
	f.Clustered = clustered != 0
	f.VersionFamily = versionFamily(f.ProductVersion)
	return &f, nil
}

// versionFamily maps a product version to its marketing family.
func versionFamily(productVersion string) string {
	major := strings.SplitN(productVersion, ".", 2)[0]
	switch major {
	case "16":
		return "2022"
	case "15":
		return "2019"
	case "14":
		return "2017"
	case "13":
		return "2016"
	case "12":
		return "2014"
	case "11":
		return "2012"
	case "10":
		return "2008"
	default:
		return major
	}
}

func (c *MSSQLCollector) collectSA(ctx context.Context, db *sql.DB) (*classify.SAAccountFacts, error) {
	var f classify.SAAccountFacts
	var disabled int
	err := c.queryRow(ctx, db, `
		SELECT name, CAST(is_disabled AS int) FROM sys.server_principals WHERE sid = 0x01
	`, &f.CurrentName, &disabled)
	if err != nil {
		return nil, fmt.Errorf("reading sa principal: %w", err)
	}
	f.Disabled = disabled != 0
	return &f, nil
}

func (c *MSSQLCollector) collectLogins(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT p.name,
		       CAST(CASE WHEN p.type = 'S' THEN 1 ELSE 0 END AS int),
		       CAST(ISNULL(l.is_policy_checked, 0) AS int),
		       CAST(ISNULL(l.is_expiration_checked, 0) AS int),
		       CAST(ISNULL(IS_SRVROLEMEMBER('sysadmin', p.name), 0) AS int),
		       ISNULL(p.default_database_name, ''),
		       CAST(p.is_disabled AS int)
		FROM sys.server_principals p
		LEFT JOIN sys.sql_logins l ON l.principal_id = p.principal_id
		WHERE p.type IN ('S', 'U', 'G')
		ORDER BY p.name
	`, func(rows *sql.Rows) error {
		var f classify.LoginFacts
		var sqlAuth, policy, expiration, sysadmin, disabled int
		if err := rows.Scan(&f.Name, &sqlAuth, &policy, &expiration, &sysadmin, &f.DefaultDatabase, &disabled); err != nil {
			return err
		}
		f.SQLAuth = sqlAuth != 0
		f.CheckPolicy = policy != 0
		f.CheckExpiration = expiration != 0
		f.Sysadmin = sysadmin != 0
		f.Disabled = disabled != 0
		snap.Logins = append(snap.Logins, f)
		return nil
	})
}

func (c *MSSQLCollector) collectRoleMembers(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT r.name, m.name
		FROM sys.server_role_members rm
		JOIN sys.server_principals r ON r.principal_id = rm.role_principal_id
		JOIN sys.server_principals m ON m.principal_id = rm.member_principal_id
		ORDER BY r.name, m.name
	`, func(rows *sql.Rows) error {
		var f classify.ServerRoleMemberFacts
		if err := rows.Scan(&f.Role, &f.Member); err != nil {
			return err
		}
		snap.RoleMembers = append(snap.RoleMembers, f)
		return nil
	})
}

func (c *MSSQLCollector) collectConfigs(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT name, CAST(value_in_use AS int) FROM sys.configurations ORDER BY name
	`, func(rows *sql.Rows) error {
		var f classify.ConfigFacts
		if err := rows.Scan(&f.Setting, &f.Value); err != nil {
			return err
		}
		snap.Configs = append(snap.Configs, f)
		return nil
	})
}

func (c *MSSQLCollector) collectServices(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT servicename, status_desc, startup_type_desc, ISNULL(service_account, '')
		FROM sys.dm_server_services
	`, func(rows *sql.Rows) error {
		var f classify.ServiceFacts
		if err := rows.Scan(&f.ServiceName, &f.State, &f.StartMode, &f.Account); err != nil {
			return err
		}
		f.DisplayName = f.ServiceName
		name := strings.ToUpper(f.ServiceName)
		f.Essential = strings.HasPrefix(name, "SQL SERVER (") || strings.HasPrefix(name, "SQL SERVER AGENT")
		snap.Services = append(snap.Services, f)
		return nil
	})
}

func (c *MSSQLCollector) collectDatabases(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT name,
		       CAST(is_trustworthy_on AS int),
		       ISNULL(SUSER_SNAME(owner_sid), ''),
		       CAST(CASE WHEN database_id <= 4 THEN 1 ELSE 0 END AS int)
		FROM sys.databases
		WHERE state = 0
		ORDER BY name
	`, func(rows *sql.Rows) error {
		var f classify.DatabaseFacts
		var trustworthy, system int
		if err := rows.Scan(&f.Name, &trustworthy, &f.Owner, &system); err != nil {
			return err
		}
		f.Trustworthy = trustworthy != 0
		f.System = system != 0
		snap.Databases = append(snap.Databases, f)
		return nil
	})
}

// collectDatabasePrincipals walks every online database for guest state,
// role membership, and orphaned users. Database names are bracket-quoted
// into the query text; they come from sys.databases, not from operators.
func (c *MSSQLCollector) collectDatabasePrincipals(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	for _, d := range snap.Databases {
		qdb := "[" + strings.ReplaceAll(d.Name, "]", "]]") + "]"

		err := c.query(ctx, db, `
			SELECT dp.name, CAST(CASE WHEN pe.state_desc = 'GRANT' THEN 1 ELSE 0 END AS int)
			FROM `+qdb+`.sys.database_principals dp
			LEFT JOIN `+qdb+`.sys.database_permissions pe
			  ON pe.grantee_principal_id = dp.principal_id AND pe.permission_name = 'CONNECT'
			WHERE dp.name = 'guest'
		`, func(rows *sql.Rows) error {
			var f classify.DBUserFacts
			var enabled int
			if err := rows.Scan(&f.UserName, &enabled); err != nil {
				return err
			}
			f.Database = d.Name
			f.Enabled = enabled != 0
			snap.DBUsers = append(snap.DBUsers, f)
			return nil
		})
		if err != nil {
			return fmt.Errorf("database %s: %w", d.Name, err)
		}

		err = c.query(ctx, db, `
			SELECT r.name, m.name
			FROM `+qdb+`.sys.database_role_members rm
			JOIN `+qdb+`.sys.database_principals r ON r.principal_id = rm.role_principal_id
			JOIN `+qdb+`.sys.database_principals m ON m.principal_id = rm.member_principal_id
			ORDER BY r.name, m.name
		`, func(rows *sql.Rows) error {
			var f classify.DBRoleMemberFacts
			if err := rows.Scan(&f.Role, &f.Member); err != nil {
				return err
			}
			f.Database = d.Name
			snap.DBRoleMembers = append(snap.DBRoleMembers, f)
			return nil
		})
		if err != nil {
			return fmt.Errorf("database %s: %w", d.Name, err)
		}

		err = c.query(ctx, db, `
			SELECT dp.name
			FROM `+qdb+`.sys.database_principals dp
			LEFT JOIN sys.server_principals sp ON sp.sid = dp.sid
			WHERE dp.type IN ('S', 'U') AND dp.authentication_type = 1
			  AND sp.sid IS NULL AND dp.name NOT IN ('dbo', 'guest', 'sys', 'INFORMATION_SCHEMA')
			ORDER BY dp.name
		`, func(rows *sql.Rows) error {
			var f classify.OrphanedUserFacts
			if err := rows.Scan(&f.UserName); err != nil {
				return err
			}
			f.Database = d.Name
			snap.OrphanedUsers = append(snap.OrphanedUsers, f)
			return nil
		})
		if err != nil {
			return fmt.Errorf("database %s: %w", d.Name, err)
		}
	}
	return nil
}

func (c *MSSQLCollector) collectPermissions(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT pr.name, pe.permission_name, ISNULL(pe.class_desc, ''), pe.state_desc
		FROM sys.server_permissions pe
		JOIN sys.server_principals pr ON pr.principal_id = pe.grantee_principal_id
		WHERE pe.state_desc IN ('GRANT', 'GRANT_WITH_GRANT_OPTION')
		  AND pe.permission_name <> 'CONNECT SQL'
		ORDER BY pr.name, pe.permission_name
	`, func(rows *sql.Rows) error {
		var f classify.PermissionFacts
		var state string
		if err := rows.Scan(&f.Grantee, &f.Permission, &f.Target, &state); err != nil {
			return err
		}
		f.Scope = "server"
		if state == "GRANT_WITH_GRANT_OPTION" {
			f.State = "GRANT_WITH_GRANT"
		} else {
			f.State = state
		}
		snap.Permissions = append(snap.Permissions, f)
		return nil
	})
}

func (c *MSSQLCollector) collectLinkedServers(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT s.name,
		       ISNULL(ll.remote_name, ''),
		       CAST(ISNULL(ll.uses_self_credential, 0) AS int),
		       CAST(s.is_rpc_out_enabled AS int),
		       CAST(s.is_data_access_enabled AS int)
		FROM sys.servers s
		LEFT JOIN sys.linked_logins ll
		  ON ll.server_id = s.server_id AND ll.local_principal_id = 0
		WHERE s.is_linked = 1
		ORDER BY s.name
	`, func(rows *sql.Rows) error {
		var f classify.LinkedServerFacts
		var impersonation, rpcOut, dataAccess int
		if err := rows.Scan(&f.LinkedName, &f.RemoteLogin, &impersonation, &rpcOut, &dataAccess); err != nil {
			return err
		}
		f.Impersonation = impersonation != 0
		f.RPCOut = rpcOut != 0
		f.DataAccess = dataAccess != 0
		snap.LinkedServers = append(snap.LinkedServers, f)
		return nil
	})
}

func (c *MSSQLCollector) collectTriggers(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT t.name, ISNULL(te.type_desc, ''), CAST(t.is_disabled AS int)
		FROM sys.server_triggers t
		LEFT JOIN sys.server_trigger_events te ON te.object_id = t.object_id
		ORDER BY t.name
	`, func(rows *sql.Rows) error {
		var f classify.TriggerFacts
		var disabled int
		if err := rows.Scan(&f.TriggerName, &f.Event, &disabled); err != nil {
			return err
		}
		f.Scope = "server"
		f.Disabled = disabled != 0
		snap.Triggers = append(snap.Triggers, f)
		return nil
	})
}

func (c *MSSQLCollector) collectBackups(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT d.name, d.recovery_model_desc,
		       ISNULL(DATEDIFF(day, MAX(b.backup_finish_date), GETDATE()), -1)
		FROM sys.databases d
		LEFT JOIN msdb.dbo.backupset b
		  ON b.database_name = d.name AND b.type = 'D'
		WHERE d.database_id <> 2 AND d.state = 0
		GROUP BY d.name, d.recovery_model_desc
		ORDER BY d.name
	`, func(rows *sql.Rows) error {
		var f classify.BackupFacts
		if err := rows.Scan(&f.Database, &f.RecoveryModel, &f.DaysSinceLastFull); err != nil {
			return err
		}
		snap.Backups = append(snap.Backups, f)
		return nil
	})
}

// collectProtocols reads the network library registry keys the way the
// configuration manager does. Needs sysadmin; degrades to empty.
func (c *MSSQLCollector) collectProtocols(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	protocols := []struct {
		display string
		key     string
	}{
		{"Shared Memory", "Sm"},
		{"Named Pipes", "Np"},
		{"TCP/IP", "Tcp"},
		{"VIA", "Via"},
	}
	for _, p := range protocols {
		var name sql.NullString
		var enabled sql.NullInt64
		err := c.queryRow(ctx, db, `
			EXEC master.dbo.xp_instance_regread
				N'HKEY_LOCAL_MACHINE',
				N'SOFTWARE\Microsoft\MSSQLServer\MSSQLServer\SuperSocketNetLib\`+p.key+`',
				N'Enabled'
		`, &name, &enabled)
		if err != nil {
			return err
		}
		snap.Protocols = append(snap.Protocols, classify.ProtocolFacts{
			Protocol: p.display,
			Enabled:  enabled.Valid && enabled.Int64 != 0,
		})
	}
	return nil
}

func (c *MSSQLCollector) collectEncryption(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	return c.query(ctx, db, `
		SELECT 'certificate', name, 'RSA', ISNULL(key_length, 0) FROM master.sys.certificates
		UNION ALL
		SELECT 'asymmetric_key', name, algorithm_desc, ISNULL(key_length, 0) FROM master.sys.asymmetric_keys
		UNION ALL
		SELECT 'symmetric_key', name, algorithm_desc, ISNULL(key_length, 0) FROM master.sys.symmetric_keys
		ORDER BY 1, 2
	`, func(rows *sql.Rows) error {
		var f classify.EncryptionFacts
		if err := rows.Scan(&f.KeyType, &f.KeyName, &f.Algorithm, &f.KeyLength); err != nil {
			return err
		}
		snap.Encryption = append(snap.Encryption, f)
		return nil
	})
}

func (c *MSSQLCollector) collectAuditSettings(ctx context.Context, db *sql.DB, snap *classify.Snapshot) error {
	var name sql.NullString
	var level sql.NullInt64
	err := c.queryRow(ctx, db, `
		EXEC master.dbo.xp_instance_regread
			N'HKEY_LOCAL_MACHINE',
			N'SOFTWARE\Microsoft\MSSQLServer\MSSQLServer',
			N'AuditLevel'
	`, &name, &level)
	if err != nil {
		return err
	}
	loginAuditing := "none"
	switch level.Int64 {
	case 1:
		loginAuditing = "success"
	case 2:
		loginAuditing = "failure"
	case 3:
		loginAuditing = "all"
	}
	snap.AuditSettings = append(snap.AuditSettings, classify.AuditSettingFacts{
		Setting: "login_auditing", Value: loginAuditing,
	})

	for _, setting := range []struct {
		config string
		name   string
	}{
		{"default trace enabled", "default_trace"},
		{"c2 audit mode", "c2_audit_mode"},
	} {
		var value int
		err := c.queryRow(ctx, db,
			`SELECT CAST(value_in_use AS int) FROM sys.configurations WHERE name = '`+setting.config+`'`,
			&value)
		if err != nil {
			return err
		}
		v := "off"
		if value != 0 {
			v = "on"
		}
		snap.AuditSettings = append(snap.AuditSettings, classify.AuditSettingFacts{
			Setting: setting.name, Value: v,
		})
	}
	return nil
}
