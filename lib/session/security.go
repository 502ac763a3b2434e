package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

type storedToken struct {
	Sealed bool   `json:"sealed"`
	Value  string `json:"value"`
}

func (s *Store) putToken(ctx context.Context, sid, name, token string) error {
	if name == "" {
		return fmt.Errorf("%w: empty token name", ErrInvalidArgument)
	}
	st := storedToken{Value: token}
	if s.vault != nil {
		sealed, err := s.vault.SealString(token)
		if err != nil {
			return fmt.Errorf("seal token %q: %w", name, err)
		}
		st = storedToken{Sealed: true, Value: sealed}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal token %q: %w", name, err)
	}
	if _, err := s.kv.Put(ctx, fieldKey(sid, fieldToken, name), data); err != nil {
		return natsbus.Unavailable("put token", err)
	}
	return nil
}

func (s *Store) openToken(data []byte) (string, error) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if !st.Sealed {
		return st.Value, nil
	}
	if s.vault == nil {
		return "", errors.New("token is sealed and no vault is configured")
	}
	return s.vault.OpenString(st.Value)
}
