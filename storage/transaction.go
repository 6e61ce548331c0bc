package storage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transaction records the objects written by one StorePackage call. It is the
// compensation half of the publish saga: if a later step fails the deferred
// Rollback removes the objects again, so a failed publish leaves nothing behind
// in the bucket.
//
//	tx, err := store.StorePackage(ctx, version, tarball, readme)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	...
//	tx.Commit()
type Transaction struct {
	store  Store
	logger logrus.FieldLogger

	mu        sync.Mutex
	paths     []string
	committed bool
	done      bool
}

func newTransaction(store Store, logger logrus.FieldLogger) *Transaction {
	return &Transaction{store: store, logger: logger}
}

func (t *Transaction) record(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
}

// Paths returns the objects written so far.
func (t *Transaction) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths...)
}

// Commit keeps the written objects. Rollback is a no-op afterwards.
func (t *Transaction) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
}

func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Rollback deletes every recorded object unless the transaction was committed.
// Delete failures are logged and otherwise ignored. Calling Rollback more than
// once is harmless.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	if t.committed || t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	paths := append([]string(nil), t.paths...)
	t.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	t.logger.WithField("paths", paths).Info("rolling back storage")

	// the caller's context is usually already cancelled or expired here
	ctx := context.Background()
	for _, path := range paths {
		if err := t.store.DeleteObject(ctx, path); err != nil {
			t.logger.WithError(err).WithField("path", path).Error("rollback: failed to delete object")
		}
	}
}
