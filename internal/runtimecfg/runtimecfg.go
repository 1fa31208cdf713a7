// Package runtimecfg persists the per-installation runtime document: the
// chosen port, the run mode, a reference to the superuser credential and the
// first-initialization timestamp.
//
// The document is written with temp-file + rename so concurrent readers never
// observe a partial write.
package runtimecfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/fault"
)

// CurrentSchemaVersion is the on-disk shape written by Save.
//
//	1: plaintext "password" field
//	2: "passwordRef" into the secret store, installationId, databaseReady
const CurrentSchemaVersion = 2

// RunMode selects the persistence strategy.
type RunMode string

const (
	UserSession RunMode = "user_session"
	Service     RunMode = "service"
)

func (m RunMode) Valid() bool { return m == UserSession || m == Service }

// ParseRunMode accepts the canonical values and the upper-case forms used by the host.
func ParseRunMode(s string) (RunMode, error) {
	m := RunMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown run mode %q", s)
	}
	return m, nil
}

const (
	Host            = "127.0.0.1"
	DefaultDatabase = "pgdesk"
	DefaultUser     = "postgres"
)

// RuntimeConfig is the persisted runtime state of one installation.
type RuntimeConfig struct {
	SchemaVersion  int       `json:"schemaVersion"`
	InstallationID string    `json:"installationId"`
	Port           int       `json:"port"`
	RunMode        RunMode   `json:"runMode"`
	PasswordRef    string    `json:"passwordRef"`
	Database       string    `json:"database"`
	User           string    `json:"user"`
	InitializedAt  time.Time `json:"initializedAt,omitzero"`
	DatabaseReady  bool      `json:"databaseReady"`
}

// Initialized reports whether a cluster was created for this config.
func (c RuntimeConfig) Initialized() bool { return !c.InitializedAt.IsZero() }

// New returns a fresh document with a new installation id.
func New(port int, mode RunMode, passwordRef, database, user string) RuntimeConfig {
	return RuntimeConfig{
		SchemaVersion:  CurrentSchemaVersion,
		InstallationID: uuid.NewString(),
		Port:           port,
		RunMode:        mode,
		PasswordRef:    passwordRef,
		Database:       database,
		User:           user,
	}
}

func (c RuntimeConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !c.RunMode.Valid() {
		return fmt.Errorf("unknown run mode %q", c.RunMode)
	}
	if c.PasswordRef == "" {
		return errors.New("passwordRef is empty")
	}
	if c.InstallationID == "" {
		return errors.New("installationId is empty")
	}
	return nil
}

// ErrNotFound is returned by Load when no document exists yet (first run).
var ErrNotFound = errors.New("runtime config not found")

// SecretWriter stores a password and returns a reference to it.
type SecretWriter interface {
	Store(password string) (string, error)
}

// Store reads and writes the runtime document at Path.
type Store struct {
	Path    string
	Secrets SecretWriter // used to migrate legacy plaintext passwords
}

func NewStore(path string, secrets SecretWriter) *Store {
	return &Store{Path: path, Secrets: secrets}
}

// document is the union of every schema version's fields.
type document struct {
	RuntimeConfig
	Password string `json:"password,omitempty"`
}

// Load returns the stored config, migrating older schema versions in place.
func (s *Store) Load() (RuntimeConfig, error) {
	const op = "runtimecfg.load"
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeConfig{}, ErrNotFound
		}
		if os.IsPermission(err) {
			return RuntimeConfig{}, fault.New(fault.PermissionDenied, op, "cannot read the runtime settings", err)
		}
		return RuntimeConfig{}, fault.New(fault.Internal, op, "cannot read the runtime settings", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return RuntimeConfig{}, fault.New(fault.ConfigUnsupported, op, "the runtime settings file is damaged", err)
	}
	switch {
	case doc.SchemaVersion > CurrentSchemaVersion:
		return RuntimeConfig{}, fault.Newf(fault.ConfigUnsupported, op,
			"runtime settings were written by a newer version (schema %d)", doc.SchemaVersion)
	case doc.SchemaVersion < CurrentSchemaVersion:
		cfg, err := s.migrate(doc)
		if err != nil {
			return RuntimeConfig{}, err
		}
		return cfg, nil
	}
	cfg := doc.RuntimeConfig
	if err := cfg.validate(); err != nil {
		return RuntimeConfig{}, fault.New(fault.ConfigUnsupported, op, "the runtime settings file is incomplete", err)
	}
	return cfg, nil
}

// migrate upgrades a version 0/1 document and rewrites it as the current version.
func (s *Store) migrate(doc document) (RuntimeConfig, error) {
	const op = "runtimecfg.migrate"
	cfg := doc.RuntimeConfig
	cfg.SchemaVersion = CurrentSchemaVersion
	if cfg.InstallationID == "" {
		cfg.InstallationID = uuid.NewString()
	}
	if cfg.RunMode == "" {
		cfg.RunMode = UserSession
	} else if m, err := ParseRunMode(string(cfg.RunMode)); err == nil {
		cfg.RunMode = m
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.PasswordRef == "" && doc.Password != "" {
		if s.Secrets == nil {
			return RuntimeConfig{}, fault.Newf(fault.Internal, op, "no secret store to migrate the legacy password into")
		}
		ref, err := s.Secrets.Store(doc.Password)
		if err != nil {
			return RuntimeConfig{}, err
		}
		cfg.PasswordRef = ref
	}
	// Version 1 was only written once the database existed.
	if cfg.Initialized() {
		cfg.DatabaseReady = true
	}
	if err := cfg.validate(); err != nil {
		return RuntimeConfig{}, fault.New(fault.ConfigUnsupported, op, "legacy runtime settings cannot be upgraded", err)
	}
	if err := s.Save(cfg); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// Save writes cfg atomically with owner-only permissions.
func (s *Store) Save(cfg RuntimeConfig) error {
	const op = "runtimecfg.save"
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if err := cfg.validate(); err != nil {
		return fault.New(fault.Internal, op, "refusing to save invalid runtime settings", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fault.New(fault.Internal, op, "cannot encode runtime settings", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fault.New(fault.PermissionDenied, op, "cannot create the config folder", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fault.New(fault.PermissionDenied, op, "cannot write runtime settings", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fault.New(fault.Internal, op, "cannot write runtime settings", err)
	}
	if err := tmp.Chmod(0o600); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return fail(err)
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fault.New(fault.Internal, op, "cannot write runtime settings", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fault.New(fault.Internal, op, "cannot write runtime settings", err)
	}
	return nil
}

// ConnectionString builds the loopback connection URL. The result contains the
// password and must not be logged; use Redacted for that.
func ConnectionString(cfg RuntimeConfig, resolver credential.Resolver) (string, error) {
	pw, err := resolver.Resolve(cfg.PasswordRef)
	if err != nil {
		return "", err
	}
	return buildURL(cfg, url.UserPassword(userOf(cfg), pw)), nil
}

// Redacted is ConnectionString with the password masked.
func Redacted(cfg RuntimeConfig) string {
	return buildURL(cfg, url.UserPassword(userOf(cfg), "xxxxx"))
}

func userOf(cfg RuntimeConfig) string {
	if cfg.User == "" {
		return DefaultUser
	}
	return cfg.User
}

func buildURL(cfg RuntimeConfig, user *url.Userinfo) string {
	db := cfg.Database
	if db == "" {
		db = DefaultDatabase
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
