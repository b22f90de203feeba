package sqlite

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// backupStore copy-snapshots the store file and its WAL side files into a
// timestamped directory under backupDir.
func backupStore(dbPath, backupDir string) error {
	stamp := time.Now().Format("2006-01-02T15-04-05")
	dest := filepath.Join(backupDir, stamp)
	if err := os.MkdirAll(dest, 0750); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := dbPath + suffix
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue // side files only exist mid-checkpoint
			}
			return err
		}
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", src, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
