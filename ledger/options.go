package ledger

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mahall/collectible-ledger/lock"
)

// KeyLocker serializes work per key. unlock must be called exactly once
// after a successful Lock.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

const (
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 20 * time.Millisecond
)

// defaultLocker serializes every component built without an explicit
// Locker, so a Directory and an Updater from zero Options share key locks.
var defaultLocker KeyLocker = lock.NewLocal()

// Options configures Directory, Updater, Records and Query. Zero values
// get defaults. A nil Locker means the process-wide in-memory locker;
// components spread across processes must be given a shared Locker such
// as lock.Redis.
type Options struct {
	Locker       KeyLocker
	Logger       logrus.FieldLogger
	Clock        func() time.Time
	NewID        func() string
	MaxRetries   int
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Locker == nil {
		o.Locker = defaultLocker
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// sleepBackoff waits attempt*base, or returns early with ctx's error.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	t := time.NewTimer(base * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
