// Package paths computes every filesystem location used by the embedded
// database from the operating system and the application's install root.
//
// Resolve is a pure function of Env, so other packages can be tested against
// a temporary root without touching the real per-user directories.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
)

const (
	DefaultAppName = "pgdesk"

	// DefaultBinSubdir is where the packaged server binaries live, relative to the install root.
	DefaultBinSubdir = "resources/postgres/bin"
)

// Env is everything path resolution depends on.
type Env struct {
	GOOS          string
	AppName       string
	InstallRoot   string
	BinSubdir     string // relative to InstallRoot; DefaultBinSubdir when empty
	DataRoot      string // explicit per-user data root; derived from the OS when empty
	Home          string
	AppData       string // windows %APPDATA%
	XDGDataHome   string
	XDGConfigHome string
}

// FromOS fills Env from the running process. installRoot may be empty, in
// which case the directory of the current executable is used.
func FromOS(appName, installRoot string) Env {
	if installRoot == "" {
		if exe, err := os.Executable(); err == nil {
			if resolved, err := filepath.EvalSymlinks(exe); err == nil {
				exe = resolved
			}
			installRoot = filepath.Dir(exe)
		}
	}
	home, _ := os.UserHomeDir()
	return Env{
		GOOS:          runtime.GOOS,
		AppName:       appName,
		InstallRoot:   installRoot,
		Home:          home,
		AppData:       os.Getenv("APPDATA"),
		XDGDataHome:   os.Getenv("XDG_DATA_HOME"),
		XDGConfigHome: os.Getenv("XDG_CONFIG_HOME"),
	}
}

// Layout is the resolved set of locations for one installation.
type Layout struct {
	GOOS              string
	InstallRoot       string
	BinDir            string
	DataRoot          string
	DataDir           string
	LogsDir           string
	ConfigDir         string
	RuntimeConfigFile string
	ServerLogFile     string
	AppLogFile        string
	HistoryDB         string
	LockFile          string
	WrapperPath       string
}

// Resolve derives the Layout. It performs no I/O.
func Resolve(env Env) (Layout, error) {
	const op = "paths.resolve"
	goos := env.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	app := strings.TrimSpace(env.AppName)
	if app == "" {
		app = DefaultAppName
	}
	if strings.TrimSpace(env.InstallRoot) == "" {
		return Layout{}, fault.Newf(fault.EnvironmentUnresolved, op, "cannot determine the application install folder")
	}
	install := filepath.Clean(env.InstallRoot)

	dataRoot, configDir, err := userRoots(goos, app, env)
	if err != nil {
		return Layout{}, fault.New(fault.EnvironmentUnresolved, op, "cannot determine the per-user data folder", err)
	}

	binSub := env.BinSubdir
	if binSub == "" {
		binSub = DefaultBinSubdir
	}
	binDir := filepath.Join(install, filepath.FromSlash(binSub))
	logsDir := filepath.Join(dataRoot, "logs")
	pgRoot := filepath.Join(dataRoot, "postgres")

	l := Layout{
		GOOS:              goos,
		InstallRoot:       install,
		BinDir:            binDir,
		DataRoot:          dataRoot,
		DataDir:           filepath.Join(pgRoot, "data"),
		LogsDir:           logsDir,
		ConfigDir:         configDir,
		RuntimeConfigFile: filepath.Join(configDir, "postgres-runtime.json"),
		ServerLogFile:     filepath.Join(logsDir, "postgres.log"),
		AppLogFile:        filepath.Join(logsDir, app+".log"),
		HistoryDB:         filepath.Join(logsDir, "lifecycle.db"),
		LockFile:          filepath.Join(pgRoot, "ensure.lock"),
	}
	l.WrapperPath = filepath.Join(filepath.Dir(binDir), "wrapper", l.exe("nssm"))
	return l, nil
}

func userRoots(goos, app string, env Env) (dataRoot, configDir string, err error) {
	if env.DataRoot != "" {
		root := filepath.Clean(env.DataRoot)
		return root, filepath.Join(root, "config"), nil
	}
	switch goos {
	case "windows":
		base := env.AppData
		if base == "" {
			if env.Home == "" {
				return "", "", fmt.Errorf("APPDATA and home directory are both unset")
			}
			base = filepath.Join(env.Home, "AppData", "Roaming")
		}
		root := filepath.Join(base, app)
		return root, filepath.Join(root, "config"), nil
	case "darwin":
		if env.Home == "" {
			return "", "", fmt.Errorf("home directory is unset")
		}
		root := filepath.Join(env.Home, "Library", "Application Support", app)
		return root, filepath.Join(root, "config"), nil
	default:
		dataBase := env.XDGDataHome
		configBase := env.XDGConfigHome
		if env.Home == "" && (dataBase == "" || configBase == "") {
			return "", "", fmt.Errorf("home directory is unset")
		}
		if dataBase == "" {
			dataBase = filepath.Join(env.Home, ".local", "share")
		}
		if configBase == "" {
			configBase = filepath.Join(env.Home, ".config")
		}
		lower := strings.ToLower(app)
		return filepath.Join(dataBase, lower), filepath.Join(configBase, lower), nil
	}
}

func (l Layout) exe(name string) string {
	if l.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// Binary returns the path of a bundled server binary such as "initdb" or "pg_ctl".
func (l Layout) Binary(name string) string {
	return filepath.Join(l.BinDir, l.exe(name))
}

// Prepare creates the directories the runtime writes to. The data directory
// itself is left alone; only the cluster initializer creates it.
func (l Layout) Prepare() error {
	const op = "paths.prepare"
	dirs := []string{l.DataRoot, filepath.Dir(l.DataDir), l.LogsDir, l.ConfigDir}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			if os.IsPermission(err) {
				return fault.New(fault.PermissionDenied, op, "cannot create folder "+d, err)
			}
			return fault.New(fault.EnvironmentUnresolved, op, "cannot create folder "+d, err)
		}
	}
	return nil
}

// CheckBinaries verifies that every named server binary is present.
func (l Layout) CheckBinaries(names ...string) error {
	var missing []string
	for _, n := range names {
		p := l.Binary(n)
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fault.Newf(fault.BinaryNotFound, "paths.check_binaries",
			"database files are missing from the installation: %s", strings.Join(missing, ", "))
	}
	return nil
}
