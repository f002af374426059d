//go:build unix

package statelog

import (
	"fmt"
	"os"
	"syscall"
)

// lockExclusive takes a non-blocking advisory OS-level lock on f, per
// spec §5: reopening an already-locked metadata file must fail clearly
// rather than silently corrupt a second process's writes. No package in
// the example corpus does OS-level file locking, so this is original to
// this repo rather than adapted from the teacher; the syscall-level
// unix/non-unix build-tag split is new too, built the same shape as the
// teacher's own platform-conditional code elsewhere.
func lockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("open by another process: %w", err)
	}
	return nil
}
