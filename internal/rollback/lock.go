package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
)

var ErrLockHeld = errors.New("rollback already in progress")

// Safety valve: an externally killed run must not wedge the environment
// forever.
const defaultLockTTL = time.Hour

// Lock serializes rollback runs per environment through a conditional write
// (SET NX) so two simultaneous rollbacks cannot interleave fleet commands.
type Lock struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log logrus.FieldLogger
}

// NewLock constructs an environment lock with the default TTL.
func NewLock(rdb redis.UniversalClient, log logrus.FieldLogger) *Lock {
	return &Lock{rdb: rdb, ttl: defaultLockTTL, log: log}
}

// WithTTL overrides the lock TTL.
func (l *Lock) WithTTL(ttl time.Duration) *Lock {
	l.ttl = ttl
	return l
}

func lockKey(env models.Environment) string {
	return "rollback:lock:" + string(env)
}

// Compare-and-delete: the key is removed only while it still holds this run's
// id, so a run whose lock expired cannot delete a lock another run has since
// acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the environment lock for the run. Returns ErrLockHeld when
// another run holds it.
func (l *Lock) Acquire(ctx context.Context, env models.Environment, runID string) error {
	ok, err := l.rdb.SetNX(ctx, lockKey(env), runID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquiring rollback lock for %s: %w", env, err)
	}
	if !ok {
		holder, _ := l.rdb.Get(ctx, lockKey(env)).Result()
		return fmt.Errorf("%w for %s (held by run %s)", ErrLockHeld, env, holder)
	}
	return nil
}

// Release frees the lock if this run still holds it.
func (l *Lock) Release(ctx context.Context, env models.Environment, runID string) {
	deleted, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(env)}, runID).Int()
	if err != nil {
		l.log.WithError(err).Warn("could not release rollback lock")
		return
	}
	if deleted == 0 {
		l.log.WithField("run_id", runID).Warn("rollback lock not held by this run, not releasing")
	}
}
