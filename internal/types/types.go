// Package types defines core data structures for the sqlguard compliance auditor.
package types

import (
	"strings"
	"time"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusWarn Status = "WARN"
)

// IsIssue reports whether the status represents a non-compliant outcome.
func (s Status) IsIssue() bool {
	return s == StatusFail || s == StatusWarn
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusFail, StatusWarn:
		return true
	}
	return false
}

// Risk ranks the severity of a finding.
type Risk string

const (
	RiskCritical Risk = "critical"
	RiskHigh     Risk = "high"
	RiskMedium   Risk = "medium"
	RiskLow      Risk = "low"
	RiskInfo     Risk = "info"
)

// Valid reports whether r is a known risk level.
func (r Risk) Valid() bool {
	switch r {
	case RiskCritical, RiskHigh, RiskMedium, RiskLow, RiskInfo:
		return true
	}
	return false
}

// RunType distinguishes lifecycle phases of an audit run.
type RunType string

const (
	RunBaseline RunType = "baseline"
	RunSync     RunType = "sync"
	RunFinalize RunType = "finalize"
)

// RunStatus is the state of an audit run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunFinalized RunStatus = "finalized"
)

// FindingType enumerates the entity categories a check can target.
type FindingType string

const (
	TypeInstanceInfo     FindingType = "instance_info"
	TypeSAAccount        FindingType = "sa_account"
	TypeLogin            FindingType = "login"
	TypeServerRoleMember FindingType = "server_role_member"
	TypeConfig           FindingType = "config"
	TypeService          FindingType = "service"
	TypeDatabase         FindingType = "database"
	TypeDBUser           FindingType = "db_user"
	TypeDBRoleMember     FindingType = "db_role_member"
	TypeOrphanedUser     FindingType = "orphaned_user"
	TypePermission       FindingType = "permission"
	TypeLinkedServer     FindingType = "linked_server"
	TypeTrigger          FindingType = "trigger"
	TypeBackup           FindingType = "backup"
	TypeClientProtocol   FindingType = "client_protocol"
	TypeEncryption       FindingType = "encryption"
	TypeAuditSettings    FindingType = "audit_settings"
)

// AllFindingTypes lists every finding type in processing order.
// Ordering is stable so that action log output is reproducible across syncs.
var AllFindingTypes = []FindingType{
	TypeInstanceInfo,
	TypeSAAccount,
	TypeLogin,
	TypeServerRoleMember,
	TypeConfig,
	TypeService,
	TypeDatabase,
	TypeDBUser,
	TypeDBRoleMember,
	TypeOrphanedUser,
	TypePermission,
	TypeLinkedServer,
	TypeTrigger,
	TypeBackup,
	TypeClientProtocol,
	TypeEncryption,
	TypeAuditSettings,
}

// Valid reports whether t is a known finding type.
func (t FindingType) Valid() bool {
	for _, ft := range AllFindingTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// ReviewStatus is the operator-selected review state of an annotated row.
type ReviewStatus string

const (
	ReviewNone        ReviewStatus = ""
	ReviewException   ReviewStatus = "Exception"
	ReviewNeedsReview ReviewStatus = "Needs Review"
	ReviewReviewed    ReviewStatus = "Reviewed"
	ReviewRejected    ReviewStatus = "Rejected"
)

// Valid reports whether rs is a known review status.
func (rs ReviewStatus) Valid() bool {
	switch rs {
	case ReviewNone, ReviewException, ReviewNeedsReview, ReviewReviewed, ReviewRejected:
		return true
	}
	return false
}

// ChangeType classifies a transition between two audit runs for one entity.
type ChangeType string

const (
	ChangeNewIssue         ChangeType = "NEW_ISSUE"
	ChangeFixed            ChangeType = "FIXED"
	ChangeRegression       ChangeType = "REGRESSION"
	ChangeExceptionAdded   ChangeType = "EXCEPTION_ADDED"
	ChangeExceptionRemoved ChangeType = "EXCEPTION_REMOVED"
	ChangeExceptionUpdated ChangeType = "EXCEPTION_UPDATED"
	ChangeStillFailing     ChangeType = "STILL_FAILING"
	ChangeNone             ChangeType = "NO_CHANGE"
	ChangeUnknown          ChangeType = "UNKNOWN"
)

// ActionStatus is the open/closed state carried on an action log entry.
type ActionStatus string

const (
	ActionOpen      ActionStatus = "open"
	ActionClosed    ActionStatus = "closed"
	ActionException ActionStatus = "exception"
)

// AuditRun is a single execution of a baseline, sync, or finalize phase.
type AuditRun struct {
	ID           int64      `json:"id"`
	Organization string     `json:"organization"`
	AuditDate    string     `json:"audit_date"` // YYYY-MM-DD
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       RunStatus  `json:"status"`
	RunType      RunType    `json:"run_type"`
	ParentRunID  *int64     `json:"parent_run_id,omitempty"`
	ConfigHash   string     `json:"config_hash,omitempty"`
	ReportStale  bool       `json:"report_stale,omitempty"` // set when workbook regeneration was skipped

	// FinalReportHash is the SHA-256 of the workbook snapshot taken at
	// finalize. Empty until the run is finalized.
	FinalReportHash string `json:"final_report_hash,omitempty"`

	// UnreachableTargets lists the target ids the run could not scan,
	// comma separated. Empty when every target was collected.
	UnreachableTargets string `json:"unreachable_targets,omitempty"`
}

// Server is a SQL host known to the store.
type Server struct {
	ID       int64  `json:"id"`
	Hostname string `json:"hostname"`
}

// Instance identifies one SQL Server instance on a server.
// The default instance is represented explicitly as "DEFAULT" so that two
// targets are never ambiguous; port disambiguates hostname-less targets.
type Instance struct {
	ID           int64  `json:"id"`
	ServerID     int64  `json:"server_id"`
	InstanceName string `json:"instance_name"`
	Port         int    `json:"port,omitempty"`
}

// DefaultInstanceName is the explicit marker for a default (unnamed) instance.
const DefaultInstanceName = "DEFAULT"

// Finding is one check outcome for one entity in one run.
// Findings are immutable once their run completes; a status change across
// runs is the sole signal for transitions.
type Finding struct {
	ID             int64       `json:"id"`
	RunID          int64       `json:"run_id"`
	InstanceID     int64       `json:"instance_id"`
	FindingType    FindingType `json:"finding_type"`
	EntityKey      string      `json:"entity_key"`
	EntityDisplay  string      `json:"entity_display,omitempty"` // key parts as reported, pipe separated
	RowUUID        string      `json:"row_uuid,omitempty"`
	Status         Status      `json:"status"`
	Risk           Risk        `json:"risk"`
	Description    string      `json:"description"`
	Recommendation string      `json:"recommendation,omitempty"`
	Details        string      `json:"details,omitempty"` // opaque JSON
}

// Annotation is operator input attached to a row, persisting across runs.
// Matched by RowUUID first, then by (EntityType, EntityKey) under
// case-insensitive compare.
type Annotation struct {
	ID            int64        `json:"id"`
	RowUUID       string       `json:"row_uuid,omitempty"`
	EntityType    FindingType  `json:"entity_type"`
	EntityKey     string       `json:"entity_key"`
	Notes         string       `json:"notes,omitempty"`
	Purpose       string       `json:"purpose,omitempty"`
	Justification string       `json:"justification,omitempty"`
	ReviewStatus  ReviewStatus `json:"review_status,omitempty"`
	LastReviewed  string       `json:"last_reviewed,omitempty"` // free text preserved when unparseable
	CreatedAt     time.Time    `json:"created_at"`
	ModifiedAt    time.Time    `json:"modified_at"`
	ModifiedBy    string       `json:"modified_by,omitempty"`
}

// HasExceptionText reports whether the annotation carries exception-qualifying
// operator input. Whether that makes the row a documented exception also
// depends on the current finding status; see the annotate package.
func (a *Annotation) HasExceptionText() bool {
	if a == nil {
		return false
	}
	return strings.TrimSpace(a.Justification) != "" || a.ReviewStatus == ReviewException
}

// ActionLogEntry is one classified transition in the append-only action log.
// The system never updates an entry after insert except for Notes and
// UserDateOverride, which round-trip from the workbook's Actions sheet.
type ActionLogEntry struct {
	ID               int64        `json:"id"`
	InitialRunID     int64        `json:"initial_run_id"`
	SyncRunID        *int64       `json:"sync_run_id,omitempty"`
	EntityKey        string       `json:"entity_key"`
	FindingType      FindingType  `json:"finding_type"`
	ChangeType       ChangeType   `json:"change_type"`
	Status           ActionStatus `json:"status"`
	ActionDate       time.Time    `json:"action_date"`
	UserDateOverride *time.Time   `json:"user_date_override,omitempty"`
	Description      string       `json:"description"`
	Notes            string       `json:"notes,omitempty"`
}

// DisplayDate returns the operator override when present, else the first
// detection date.
func (e *ActionLogEntry) DisplayDate() time.Time {
	if e.UserDateOverride != nil {
		return *e.UserDateOverride
	}
	return e.ActionDate
}

// Stats is the single source for all counts shown to any consumer.
type Stats struct {
	TotalFindings        int `json:"total_findings"`
	ActiveIssues         int `json:"active_issues"`
	DocumentedExceptions int `json:"documented_exceptions"`
	Compliant            int `json:"compliant"`

	FixedSinceBaseline       int `json:"fixed_since_baseline"`
	RegressionsSinceBaseline int `json:"regressions_since_baseline"`
	NewIssuesSinceBaseline   int `json:"new_issues_since_baseline"`

	FixedSinceLast       int `json:"fixed_since_last"`
	RegressionsSinceLast int `json:"regressions_since_last"`
	NewIssuesSinceLast   int `json:"new_issues_since_last"`
}

// Transition pairs the statuses of one entity across two runs. A nil side
// means the entity was absent from that run.
type Transition struct {
	Old *Status `json:"old,omitempty"`
	New *Status `json:"new,omitempty"`
}
