// Package pgprobe answers "is the server on this port our database?" by
// connecting with the installation's credential and comparing data directories.
package pgprobe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Identity classifies the server found on a port.
type Identity int

const (
	Unreachable Identity = iota // nothing usable answered (yet)
	Ours                        // our credential works and the data directory matches
	Foreign                     // something else owns the port
)

func (i Identity) String() string {
	switch i {
	case Ours:
		return "ours"
	case Foreign:
		return "foreign"
	default:
		return "unreachable"
	}
}

// Target is the server expected at Host:Port.
type Target struct {
	Host     string // defaults to 127.0.0.1
	Port     int
	User     string
	Password string
	Database string // defaults to "postgres", which always exists
	DataDir  string
}

func (t Target) dsn() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	db := t.Database
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(t.User, t.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(t.Port)),
		Path:     "/" + db,
		RawQuery: "sslmode=disable&connect_timeout=3&application_name=pgdesk-probe",
	}
	return u.String()
}

// Prober checks a server's identity.
type Prober interface {
	Probe(ctx context.Context, t Target) (Identity, error)
}

// SQLProber probes through database/sql with the pgx driver.
type SQLProber struct {
	Timeout time.Duration
}

// Probe never returns Ours with a non-nil error. The error explains Foreign
// and Unreachable results for the log.
func (p SQLProber) Probe(ctx context.Context, t Target) (Identity, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("pgx", t.dsn())
	if err != nil {
		return Unreachable, err
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	var dir string
	if err := db.QueryRowContext(ctx, "SHOW data_directory").Scan(&dir); err != nil {
		return classify(err), err
	}
	if t.DataDir != "" && !SameDir(dir, t.DataDir) {
		return Foreign, fmt.Errorf("server data directory %q differs from %q", dir, t.DataDir)
	}
	return Ours, nil
}

// classify maps a connection/query error to an identity. A server error
// other than "starting up" means another PostgreSQL owns the port (wrong
// password, missing role). Everything else is not usable yet.
func classify(err error) Identity {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "57P03" { // cannot_connect_now
			return Unreachable
		}
		return Foreign
	}
	return Unreachable
}

// SameDir compares two data directory paths after cleaning and resolving
// symlinks. Comparison is case-insensitive on windows and darwin.
func SameDir(a, b string) bool {
	norm := func(p string) string {
		p = filepath.Clean(p)
		if r, err := filepath.EvalSymlinks(p); err == nil {
			p = r
		}
		if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
			p = strings.ToLower(p)
		}
		return p
	}
	return norm(a) == norm(b)
}

// Ping opens a connection to dsn and pings it.
func Ping(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.PingContext(ctx)
}
