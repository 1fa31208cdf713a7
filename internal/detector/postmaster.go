package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/pgdesk/internal/port"
)

// PostmasterPIDFile is the lock file the server keeps in its data directory.
const PostmasterPIDFile = "postmaster.pid"

// startSkewSeconds tolerates the gap between process creation and the
// start time the server records.
const startSkewSeconds = 5

// PostmasterInfo is the parsed content of postmaster.pid.
type PostmasterInfo struct {
	PID        int
	DataDir    string
	StartEpoch int64
	Port       int
	ListenAddr string
	Status     string // "starting", "ready", "stopping" on recent servers
}

// ReadPostmasterPID parses <dataDir>/postmaster.pid. A missing file is
// returned as an os.IsNotExist error.
func ReadPostmasterPID(dataDir string) (PostmasterInfo, error) {
	path := filepath.Join(dataDir, PostmasterPIDFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return PostmasterInfo{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	line := func(i int) string {
		if i < len(lines) {
			return strings.TrimSpace(lines[i])
		}
		return ""
	}
	pid, err := strconv.Atoi(line(0))
	if err != nil || pid <= 0 {
		return PostmasterInfo{}, fmt.Errorf("invalid pid in %s: %q", path, line(0))
	}
	info := PostmasterInfo{PID: pid, DataDir: line(1), ListenAddr: line(5), Status: line(7)}
	if v, err := strconv.ParseInt(line(2), 10, 64); err == nil {
		info.StartEpoch = v
	}
	if v, err := strconv.Atoi(line(3)); err == nil {
		info.Port = v
	}
	return info, nil
}

// PostmasterPIDDetector detects the server through its postmaster.pid,
// rejecting PIDs that were reused by an unrelated process.
type PostmasterPIDDetector struct {
	DataDir string
	// NameMatch decides whether a process name belongs to the server.
	// Defaults to a case-insensitive "postgres" substring match.
	NameMatch func(name string) bool
}

func (d PostmasterPIDDetector) Alive() (bool, error) {
	_, ok, err := d.Probe()
	return ok, err
}

// Probe is Alive plus the parsed pid file.
func (d PostmasterPIDDetector) Probe() (PostmasterInfo, bool, error) {
	info, err := ReadPostmasterPID(d.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return PostmasterInfo{}, false, nil
		}
		return PostmasterInfo{}, false, err
	}
	if !pidAlive(info.PID) {
		return info, false, nil
	}
	if info.StartEpoch > 0 {
		if cur := getProcStartUnix(info.PID); cur > 0 && abs(cur-info.StartEpoch) > startSkewSeconds {
			return info, false, nil // PID reused; not our server
		}
	}
	match := d.NameMatch
	if match == nil {
		match = isPostgresName
	}
	if name := getProcName(info.PID); name != "" && !match(name) {
		return info, false, nil
	}
	return info, true, nil
}

func (d PostmasterPIDDetector) Describe() string {
	return "postmaster.pid:" + filepath.Join(d.DataDir, PostmasterPIDFile)
}

func isPostgresName(name string) bool {
	return strings.Contains(strings.ToLower(name), "postgres")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// PortDetector reports alive when something accepts connections on the loopback port.
type PortDetector struct{ Port int }

func (d PortDetector) Alive() (bool, error) {
	if d.Port <= 0 {
		return false, nil
	}
	return port.IsListening(d.Port, port.Loopback), nil
}

func (d PortDetector) Describe() string { return fmt.Sprintf("port:%d", d.Port) }
