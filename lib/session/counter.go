package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

// Every round of a CAS loop has one winner, so this bounds the number of
// concurrent writers a single call can be starved by.
const maxCASAttempts = 1000

var errContention = fmt.Errorf("%w: too many concurrent writers", natsbus.ErrBackendUnavailable)

// addCounter atomically adds delta to the integer stored at key and returns
// the new value. A missing key counts as zero.
func (s *Store) addCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return s.casInt(ctx, key, func(cur int64) (int64, bool) {
		return cur + delta, true
	})
}

// raiseCounter moves the integer at key up to at least v. It never lowers it.
func (s *Store) raiseCounter(ctx context.Context, key string, v int64) (int64, error) {
	return s.casInt(ctx, key, func(cur int64) (int64, bool) {
		if cur >= v {
			return cur, false
		}
		return v, true
	})
}

// touch advances the session's last update to now.
func (s *Store) touch(ctx context.Context, sid string) (time.Time, error) {
	ns, err := s.raiseCounter(ctx, lastUpdateKey(sid), s.now().UnixNano())
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// casInt runs next against the current value until the write lands on the
// revision it read. next returns false to leave the value unchanged.
func (s *Store) casInt(ctx context.Context, key string, next func(int64) (int64, bool)) (int64, error) {
	for range maxCASAttempts {
		entry, err := s.kv.Get(ctx, key)
		if natsbus.IsMissing(err) {
			v, ok := next(0)
			if !ok {
				return 0, nil
			}
			_, err := s.kv.Create(ctx, key, formatInt(v))
			if err == nil {
				return v, nil
			}
			if !natsbus.IsConflict(err) {
				return 0, natsbus.Unavailable("create "+key, err)
			}
			continue
		}
		if err != nil {
			return 0, natsbus.Unavailable("get "+key, err)
		}

		cur, err := parseInt(entry.Value())
		if err != nil {
			return 0, fmt.Errorf("counter %s: %w", key, err)
		}
		v, ok := next(cur)
		if !ok {
			return cur, nil
		}
		_, err = s.kv.Update(ctx, key, formatInt(v), entry.Revision())
		if err == nil {
			return v, nil
		}
		if !natsbus.IsConflict(err) {
			return 0, natsbus.Unavailable("update "+key, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%s: %w", key, errContention)
}

func formatInt(v int64) []byte {
	return strconv.AppendInt(nil, v, 10)
}

func parseInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
