package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// LockFileName is created inside a browser profile while a session holds it.
const LockFileName = ".crawldb.lock"

// ProfileLock is an exclusive claim on a browser profile directory.
type ProfileLock struct {
	fl   *flock.Flock
	once sync.Once
}

// LockProfile claims dir for the calling process. A second claim fails with
// crawler.ErrProfileLocked until the first is released. The OS drops the
// lock when the holding process exits, so a crash leaves the profile usable.
func LockProfile(dir string) (*ProfileLock, error) {
	if dir == "" {
		return nil, errors.New("profile directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path, flock.SetPermissions(0o600))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire profile lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", crawler.ErrProfileLocked, path)
	}
	return &ProfileLock{fl: fl}, nil
}

// Path returns the lock file location.
func (l *ProfileLock) Path() string {
	return l.fl.Path()
}

// Unlock releases the profile. It is safe to call more than once. The lock
// file stays on disk; holding it is what matters.
func (l *ProfileLock) Unlock() error {
	var err error
	l.once.Do(func() {
		if unlockErr := l.fl.Unlock(); unlockErr != nil {
			err = fmt.Errorf("release profile lock: %w", unlockErr)
		}
	})
	return err
}
