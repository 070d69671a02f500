package supervisor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// LockInfo is the JSON document written next to the bound port so
// operators can see who owns an instance.
type LockInfo struct {
	PID        int    `json:"pid"`
	Port       int    `json:"port"`
	StartedAt  string `json:"started_at"`
	Host       string `json:"host"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Lock is a single-instance guard: the bound listener is the actual
// mutual exclusion, the lock file is the human-readable record.
type Lock struct {
	Listener net.Listener
	Port     int
	path     string
}

// lockFileName follows the per-chunk naming scheme so parallel chunks of
// one fleet coexist on a host.
func lockFileName(dir string, chunk int) string {
	name := "monitor_service.lock"
	if chunk > 1 {
		name = fmt.Sprintf("monitor_service_chunk_%d.lock", chunk)
	}
	return filepath.Join(dir, name)
}

// AcquireLock binds the instance port and writes the lock file. A failed
// bind aborts with a diagnostic naming the holder when discoverable.
func AcquireLock(host string, port, chunk int, dir, instanceID string) (*Lock, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy (%s): %w", port, describeHolder(port), err)
	}

	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		Port:       port,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		Host:       hostname,
		InstanceID: instanceID,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		ln.Close()
		return nil, err
	}

	path := lockFileName(dir, chunk)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		ln.Close()
		return nil, fmt.Errorf("writing lock file %s: %w", path, err)
	}

	log.Info().Int("port", port).Str("lock_file", path).Msg("Instance lock acquired")
	return &Lock{Listener: ln, Port: port, path: path}, nil
}

// Release removes the lock file and closes the listener if the HTTP
// server has not already taken ownership of it.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("lock_file", l.path).Msg("Could not remove lock file")
	}
	if l.Listener != nil {
		_ = l.Listener.Close()
	}
}

// describeHolder tries to name the process already listening on the port.
func describeHolder(port int) string {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return "holder unknown"
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			name := "unknown"
			if p, err := process.NewProcess(c.Pid); err == nil {
				if n, err := p.Name(); err == nil {
					name = n
				}
			}
			return fmt.Sprintf("held by pid %d (%s)", c.Pid, name)
		}
	}
	return "holder unknown"
}
