package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxEntries = 500

// AuditTimeLayout formats audit entry timestamps.
const AuditTimeLayout = "Mon Jan 2, 2006 15:04:05 MST"

// AuditLog records privileged commands in <dataDir>/audit.txt, oldest
// first, keeping at most 500 entries.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	entries []string
	now     func() time.Time
}

// OpenAudit loads the existing audit log, if any.
func OpenAudit(dataDir string) (*AuditLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	a := &AuditLog{path: filepath.Join(dataDir, "audit.txt"), now: time.Now}
	lines, err := readLines(a.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	a.entries = trim(lines)
	return a, nil
}

// Record appends one entry and rewrites the file.
func (a *AuditLog) Record(who, action string) error {
	entry := fmt.Sprintf("[%s] %s: %s", a.now().UTC().Format(AuditTimeLayout), who, action)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = trim(append(a.entries, entry))
	return writeLines(a.path, a.entries)
}

// Recent returns up to n entries, newest first.
func (a *AuditLog) Recent(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := reverse(a.entries)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func trim(entries []string) []string {
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	return entries
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}

func reverse(s []string) []string {
	result := make([]string, len(s))
	for i, v := range s {
		result[len(s)-1-i] = v
	}
	return result
}
