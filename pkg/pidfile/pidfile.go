package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned when another live process owns the PID file
var ErrRunning = errors.New("daemon already running")

// PIDFile guards a daemon against running twice
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// New creates a PID file handle for the current process
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid(), alive: processAlive}
}

// processAlive probes pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Create writes the PID file. A stale file left by a dead process is replaced.
func (p *PIDFile) Create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", p.pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %v", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		running, pid, rerr := p.CheckRunning()
		if rerr == nil && running && pid != p.pid {
			return fmt.Errorf("%w with PID %d", ErrRunning, pid)
		}
		// stale, unreadable or our own: replace it
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to create PID file %s: another process raced us", p.path)
}

// Remove deletes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	pid, err := p.Read()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file belongs to PID %d, not %d", pid, p.pid)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the PID stored in the file
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %q", p.path, s)
	}
	return pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the process named in the file is alive
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.Read()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return p.alive(pid), pid, nil
}

// ForceRemove deletes the PID file regardless of its owner
func (p *PIDFile) ForceRemove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
