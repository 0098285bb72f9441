// Package workbook renders and reads the operator-facing Excel report. The
// sheet layout lives here as data: reader and writer both derive from
// Sheets(), so the columns an operator edits are by construction the columns
// the next sync reads back.
package workbook

import (
	"fmt"
	"strings"

	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/types"
)

// Fixed sheet names outside the per-type grid.
const (
	SheetCover     = "Cover"
	SheetInstances = "Instances"
	SheetActions   = "Actions"
)

// Column headers shared by every finding sheet. RowID is column A, hidden
// and width zero; operators never see it but it survives copy-paste of whole
// rows.
const (
	HeaderRowID  = "Row ID"
	HeaderServer = "Server"

	HeaderInstance       = "Instance"
	HeaderStatus         = "Status"
	HeaderRisk           = "Risk"
	HeaderDescription    = "Description"
	HeaderRecommendation = "Recommendation"

	HeaderNotes         = "Notes"
	HeaderPurpose       = "Purpose"
	HeaderJustification = "Justification"
	HeaderReviewStatus  = "Review Status"
	HeaderLastReviewed  = "Last Reviewed"
)

// editableHeaders are the columns the reader harvests operator input from.
var editableHeaders = []string{
	HeaderNotes, HeaderPurpose, HeaderJustification, HeaderReviewStatus, HeaderLastReviewed,
}

// reviewStatusChoices feeds the dropdown validation on the Review Status
// column.
var reviewStatusChoices = []string{
	string(types.ReviewException),
	string(types.ReviewNeedsReview),
	string(types.ReviewReviewed),
	string(types.ReviewRejected),
}

// SheetDef describes one finding sheet.
type SheetDef struct {
	Name       string
	Type       types.FindingType
	KeyHeaders []string // display names for the key columns after Server and Instance
}

// Headers returns the full column order of the sheet.
func (d SheetDef) Headers() []string {
	out := []string{HeaderRowID, HeaderServer, HeaderInstance}
	out = append(out, d.KeyHeaders...)
	out = append(out, HeaderStatus, HeaderRisk, HeaderDescription, HeaderRecommendation)
	out = append(out, editableHeaders...)
	return out
}

var sheetNames = map[types.FindingType]string{
	types.TypeInstanceInfo:     "Instance Info",
	types.TypeSAAccount:        "SA Account",
	types.TypeLogin:            "Logins",
	types.TypeServerRoleMember: "Server Roles",
	types.TypeConfig:           "Configuration",
	types.TypeService:          "Services",
	types.TypeDatabase:         "Databases",
	types.TypeDBUser:           "DB Users",
	types.TypeDBRoleMember:     "DB Roles",
	types.TypeOrphanedUser:     "Orphaned Users",
	types.TypePermission:       "Permissions",
	types.TypeLinkedServer:     "Linked Servers",
	types.TypeTrigger:          "Triggers",
	types.TypeBackup:           "Backups",
	types.TypeClientProtocol:   "Client Protocols",
	types.TypeEncryption:       "Encryption",
	types.TypeAuditSettings:    "Audit Settings",
}

// Sheets returns the finding sheets in workbook order, which follows the
// finding type processing order.
func Sheets() []SheetDef {
	out := make([]SheetDef, 0, len(types.AllFindingTypes))
	for _, ft := range types.AllFindingTypes {
		parts := identity.KeyParts(ft)
		headers := make([]string, len(parts))
		for i, p := range parts {
			headers[i] = displayHeader(p)
		}
		out = append(out, SheetDef{Name: sheetNames[ft], Type: ft, KeyHeaders: headers})
	}
	return out
}

// displayHeader turns a key part name into its column header:
// "login_name" -> "Login Name".
func displayHeader(part string) string {
	words := strings.Split(part, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// instanceHeaders is the Instances sheet layout: scan coverage of the run,
// including the targets it could not reach. Read-only for operators.
var instanceHeaders = []string{
	"Instance", "Scanned", "Findings", "Notes",
}

// actionHeaders is the Actions sheet layout. Entry ID binds an edited row
// back to its action log entry; Notes and Date Override are the only
// columns the reader takes back.
var actionHeaders = []string{
	"Entry ID", "Date", "Date Override", "Change", "Type", "Entity",
	"Status", "Description", "Notes",
}

// SelfCheck verifies the sheet layout is internally consistent: unique
// sheet names, unique headers per sheet, and key columns matching the
// identity layer. Run at startup so a drifted layout fails loudly instead
// of silently dropping operator edits.
func SelfCheck() error {
	names := make(map[string]bool)
	for _, d := range Sheets() {
		if d.Name == "" {
			return fmt.Errorf("finding type %s has no sheet name", d.Type)
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate sheet name %q", d.Name)
		}
		names[d.Name] = true

		if len(d.KeyHeaders) != len(identity.KeyParts(d.Type)) {
			return fmt.Errorf("sheet %q: %d key columns for %d key parts",
				d.Name, len(d.KeyHeaders), len(identity.KeyParts(d.Type)))
		}
		seen := make(map[string]bool)
		for _, h := range d.Headers() {
			if seen[h] {
				return fmt.Errorf("sheet %q: duplicate header %q", d.Name, h)
			}
			seen[h] = true
		}
	}
	return nil
}
