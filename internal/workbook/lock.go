package workbook

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/sqlguard/sqlguard/internal/errkind"
)

// CheckLock fails fast when the workbook is open elsewhere. Excel leaves an
// owner file next to an open workbook; the advisory flock covers everything
// else (a concurrent sync, a copy in flight).
func CheckLock(path string) error {
	owner := filepath.Join(filepath.Dir(path), "~$"+filepath.Base(path))
	if _, err := os.Stat(owner); err == nil {
		return fmt.Errorf("%w: %s is open in Excel", errkind.ErrWorkbookLocked, path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("checking workbook lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", errkind.ErrWorkbookLocked, path)
	}
	_ = fl.Unlock()
	return nil
}
