//go:build !unix && !windows

package instance

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("lock held")

// Advisory locks are unavailable here; the lock file still records the PID.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
