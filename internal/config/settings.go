package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/errkind"
)

// Performance bounds collection fan-out and timeouts. Zero fields fall back
// to the config defaults.
type Performance struct {
	MaxParallelTargets       int `yaml:"max_parallel_targets,omitempty"`
	SQLCommandTimeoutSeconds int `yaml:"sql_command_timeout_seconds,omitempty"`
	TargetTimeoutSeconds     int `yaml:"target_timeout_seconds,omitempty"`
}

// AuditSettings is the per-engagement audit configuration file. It
// parameterizes the classifier and names the audit cycle.
type AuditSettings struct {
	Organization        string                              `yaml:"organization"`
	AuditYear           int                                 `yaml:"audit_year"`
	AuditDate           string                              `yaml:"audit_date,omitempty"` // YYYY-MM-DD, defaults to today
	ExpectedBuilds      map[string]string                   `yaml:"expected_builds,omitempty"`
	SecuritySettings    map[string]classify.RequiredSetting `yaml:"security_settings,omitempty"`
	BackupThresholdDays int                                 `yaml:"backup_threshold_days,omitempty"`
	ApprovedSysadmins   []string                            `yaml:"approved_sysadmins,omitempty"`
	FeatureFlags        map[string]bool                     `yaml:"feature_flags,omitempty"`
	Performance         Performance                         `yaml:"performance,omitempty"`

	raw []byte
}

// LoadSettings reads and validates the audit settings file. The path is
// resolved relative to the data directory when not absolute.
func LoadSettings(path string) (*AuditSettings, error) {
	if !filepath.IsAbs(path) {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Config("reading settings file %s: %v", path, err)
	}
	var s AuditSettings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, errkind.Config("parsing settings file %s: %v", path, err)
	}
	s.raw = raw

	if s.Organization == "" {
		s.Organization = GetString("organization")
	}
	if s.Organization == "" {
		return nil, errkind.Config("settings file %s: organization is required", path)
	}
	if s.AuditDate == "" {
		s.AuditDate = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", s.AuditDate); err != nil {
		return nil, errkind.Config("settings file %s: audit_date %q is not YYYY-MM-DD", path, s.AuditDate)
	}
	if s.BackupThresholdDays <= 0 {
		s.BackupThresholdDays = GetInt("classify.backup-threshold-days")
	}
	for name, rs := range s.SecuritySettings {
		if !rs.Risk.Valid() {
			return nil, errkind.Config("settings file %s: security setting %q has unknown risk %q", path, name, rs.Risk)
		}
	}
	return &s, nil
}

// ClassifierSettings projects the file onto the classifier's parameters.
func (s *AuditSettings) ClassifierSettings() classify.Settings {
	return classify.Settings{
		SecuritySettings:    s.SecuritySettings,
		ExpectedBuilds:      s.ExpectedBuilds,
		BackupThresholdDays: s.BackupThresholdDays,
		ApprovedSysadmins:   s.ApprovedSysadmins,
	}
}

// Hash fingerprints the settings file content. Stored on each run so a sync
// against changed rules is visible in the run record.
func (s *AuditSettings) Hash() string {
	sum := sha256.Sum256(s.raw)
	return hex.EncodeToString(sum[:8])
}
