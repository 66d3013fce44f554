package sched

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupRetention = 24

// BackupOnce copies the database file into the backup directory as
// arena_YYYYMMDD-HHMMSS.db and prunes all but the newest backups.
func (m *Manager) BackupOnce(now time.Time) error {
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("arena_%s.db", now.UTC().Format("20060102-150405"))
	if err := copyFile(m.dbPath, filepath.Join(m.backupDir, name)); err != nil {
		return err
	}
	return m.pruneBackups()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}

// pruneBackups keeps the backupRetention newest backups by mtime.
func (m *Manager) pruneBackups() error {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}

	type backup struct {
		name    string
		modTime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "arena_") || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		backups = append(backups, backup{name: entry.Name(), modTime: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })
	for _, old := range backups[min(len(backups), backupRetention):] {
		if err := os.Remove(filepath.Join(m.backupDir, old.name)); err != nil {
			return fmt.Errorf("remove %s: %w", old.name, err)
		}
	}
	return nil
}
