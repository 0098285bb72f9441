package config

import (
	"bytes"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sqlguard/sqlguard/internal/errkind"
)

// AuthMode selects how a collector authenticates to a target.
type AuthMode string

const (
	AuthIntegrated AuthMode = "integrated"
	AuthSQL        AuthMode = "sql"
)

// Target is one SQL Server instance to audit. Credentials are referenced by
// id into the operating system credential store; a plaintext password in the
// target list is rejected at load time.
type Target struct {
	ID             string   `yaml:"id"`
	DisplayName    string   `yaml:"display_name,omitempty"`
	Server         string   `yaml:"server"`
	Instance       string   `yaml:"instance,omitempty"`
	Port           int      `yaml:"port,omitempty"`
	Auth           AuthMode `yaml:"auth"`
	Username       string   `yaml:"username,omitempty"`
	CredentialRef  string   `yaml:"credential_ref,omitempty"`
	ConnectTimeout string   `yaml:"connect_timeout,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Tags           []string `yaml:"tags,omitempty"`
}

// IsEnabled treats a missing enabled field as true.
func (t *Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type targetFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads and validates the target list. The path is resolved
// relative to the data directory when not absolute.
func LoadTargets(path string) ([]Target, error) {
	if !filepath.IsAbs(path) {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Config("reading targets file %s: %v", path, err)
	}

	// A strict decode surfaces unknown fields, which is how a pasted
	// plaintext password announces itself.
	var tf targetFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, errkind.Config("parsing targets file %s: %v", path, err)
	}

	seen := make(map[string]bool, len(tf.Targets))
	var out []Target
	for i, t := range tf.Targets {
		if t.ID == "" {
			return nil, errkind.Config("target %d: missing id", i)
		}
		if seen[t.ID] {
			return nil, errkind.Config("target %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Server == "" {
			return nil, errkind.Config("target %q: missing server", t.ID)
		}
		switch t.Auth {
		case AuthIntegrated:
			if t.Username != "" || t.CredentialRef != "" {
				return nil, errkind.Config("target %q: integrated auth takes no username or credential_ref", t.ID)
			}
		case AuthSQL:
			if t.Username == "" || t.CredentialRef == "" {
				return nil, errkind.Config("target %q: sql auth requires username and credential_ref", t.ID)
			}
		default:
			return nil, errkind.Config("target %q: auth must be integrated or sql, got %q", t.ID, t.Auth)
		}
		if !t.IsEnabled() {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errkind.Config("targets file %s: no enabled targets", path)
	}
	return out, nil
}
