package main

import (
	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("history file is being written by another process")

// acquireWriterLock takes the lock file next to path. Only one process may
// build a given history file at a time.
func acquireWriterLock(path string) (*flock.Flock, error) {
	l := flock.New(path + ".lock")
	locked, err := l.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !locked {
		return nil, errors.Wrapf(ErrLocked, "%s", path)
	}
	return l, nil
}
