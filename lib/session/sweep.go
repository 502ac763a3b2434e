package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

type SweepResult struct {
	Expired  int
	Orphaned int
}

// Sweep deletes every session last updated before cutoff. It also purges
// fields whose session has no identity record any more, which happens when
// a writer races a Delete.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var res SweepResult

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return res, natsbus.Unavailable("list session keys", err)
	}
	prefixes := make(map[string]bool)
	for key := range lister.Keys() {
		prefix, rest, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		prefixes[prefix] = prefixes[prefix] || rest == "meta"
	}

	for prefix, hasMeta := range prefixes {
		sid, err := natsbus.DecodeToken(prefix)
		if err != nil {
			slog.Warn("skipping undecodable session prefix", "prefix", prefix, "error", err)
			continue
		}

		if !hasMeta {
			if err := s.exists(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
				continue
			}
			if err := s.purgeFields(ctx, sid); err != nil {
				return res, err
			}
			res.Orphaned++
			continue
		}

		entry, err := s.kv.Get(ctx, lastUpdateKey(sid))
		if err != nil && !natsbus.IsMissing(err) {
			return res, natsbus.Unavailable("get last update", err)
		}
		var last time.Time
		if err == nil {
			ns, perr := parseInt(entry.Value())
			if perr != nil {
				slog.Warn("invalid last update", "session", sid, "error", perr)
				continue
			}
			last = time.Unix(0, ns)
		} else {
			m, _, merr := s.getMeta(ctx, sid)
			if merr != nil {
				continue
			}
			last = m.StartTime
		}
		if !last.Before(cutoff) {
			continue
		}

		if err := s.Delete(ctx, sid); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return res, err
		}
		slog.Info("session expired", "session", sid, "last_update", last)
		res.Expired++
	}
	return res, nil
}
