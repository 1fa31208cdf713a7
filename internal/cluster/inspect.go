package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pgdesk/internal/fault"
)

// State of a data directory on disk.
type State int

const (
	Absent        State = iota // no directory
	Empty                      // directory without entries; initdb accepts it
	Uninitialized              // entries but no cluster was ever completed here
	Corrupt                    // cluster markers missing or inconsistent
	Initialized
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Empty:
		return "empty"
	case Uninitialized:
		return "uninitialized"
	case Corrupt:
		return "corrupt"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Fresh reports whether initdb may run on the directory without touching existing data.
func (s State) Fresh() bool { return s == Absent || s == Empty }

// pgControlSize is the fixed size of global/pg_control.
const pgControlSize = 8192

// Inspection is the result of Inspect.
type Inspection struct {
	State  State
	Major  int    // from PG_VERSION when readable
	Detail string // why the directory is not Initialized
}

// Inspect classifies dataDir by the files a completed initdb leaves behind:
// PG_VERSION (integer major, equal to expectedMajor when non-zero),
// global/pg_control of exactly 8192 bytes, postgresql.conf and base/.
// It only reads metadata and never opens cluster files for writing.
func Inspect(dataDir string, expectedMajor int) (Inspection, error) {
	const op = "cluster.inspect"
	st, err := os.Stat(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Inspection{State: Absent}, nil
		}
		if os.IsPermission(err) {
			return Inspection{}, fault.New(fault.PermissionDenied, op, "cannot read the data folder", err)
		}
		return Inspection{}, fault.New(fault.Internal, op, "cannot read the data folder", err)
	}
	if !st.IsDir() {
		return Inspection{State: Corrupt, Detail: "data path is not a directory"}, nil
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsPermission(err) {
			return Inspection{}, fault.New(fault.PermissionDenied, op, "cannot read the data folder", err)
		}
		return Inspection{}, fault.New(fault.Internal, op, "cannot read the data folder", err)
	}
	if len(entries) == 0 {
		return Inspection{State: Empty}, nil
	}

	raw, err := os.ReadFile(filepath.Join(dataDir, "PG_VERSION"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Inspection{State: Corrupt, Detail: "PG_VERSION unreadable: " + err.Error()}, nil
		}
		if exists(filepath.Join(dataDir, "global")) || exists(filepath.Join(dataDir, "base")) {
			return Inspection{State: Corrupt, Detail: "PG_VERSION is missing"}, nil
		}
		return Inspection{State: Uninitialized, Detail: "directory has files but no cluster"}, nil
	}
	in := Inspection{State: Corrupt}
	verText := strings.TrimSpace(string(raw))
	major, err := strconv.Atoi(strings.SplitN(verText, ".", 2)[0])
	if err != nil || major <= 0 {
		in.Detail = fmt.Sprintf("PG_VERSION holds %q", verText)
		return in, nil
	}
	in.Major = major
	if expectedMajor > 0 && major != expectedMajor {
		in.Detail = fmt.Sprintf("cluster was created by version %d, bundled server is %d", major, expectedMajor)
		return in, nil
	}

	ctl, err := os.Stat(filepath.Join(dataDir, "global", "pg_control"))
	switch {
	case err != nil:
		in.Detail = "global/pg_control is missing"
		return in, nil
	case ctl.Size() != pgControlSize:
		in.Detail = fmt.Sprintf("global/pg_control has %d bytes, want %d", ctl.Size(), pgControlSize)
		return in, nil
	}
	if !exists(filepath.Join(dataDir, "postgresql.conf")) {
		in.Detail = "postgresql.conf is missing"
		return in, nil
	}
	if st, err := os.Stat(filepath.Join(dataDir, "base")); err != nil || !st.IsDir() {
		in.Detail = "base directory is missing"
		return in, nil
	}
	in.State = Initialized
	return in, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// AsidePath is the path MoveAside would use for dataDir at now:
// "<dataDir>.corrupt-<UTC timestamp>", numbered when already taken.
func AsidePath(dataDir string, now time.Time) string {
	base := dataDir + ".corrupt-" + now.UTC().Format("20060102T150405Z")
	target := base
	for i := 2; exists(target); i++ {
		target = base + "-" + strconv.Itoa(i)
	}
	return target
}

// MoveAside renames dataDir to AsidePath(dataDir, now) and returns the new
// path. Nothing is deleted.
func MoveAside(dataDir string, now time.Time) (string, error) {
	const op = "cluster.move_aside"
	target := AsidePath(dataDir, now)
	if err := os.Rename(dataDir, target); err != nil {
		if os.IsPermission(err) {
			return "", fault.New(fault.PermissionDenied, op, "cannot move the damaged data folder aside", err)
		}
		return "", fault.New(fault.Internal, op, "cannot move the damaged data folder aside", err)
	}
	return target, nil
}
