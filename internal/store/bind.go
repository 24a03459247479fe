package store

import (
	"context"
	"encoding/json"

	"github.com/makoto-isback/1kdream-sub001/internal/connection"
	"github.com/makoto-isback/1kdream-sub001/internal/model"
)

// Transport is the slice of the connection manager the store binds to.
// Satisfied by *connection.Manager.
type Transport interface {
	StateSource
	Subscribe(event string, h connection.Handler) func()
	OnAuthenticated(fn func(userID string)) func()
}

// Bind wires the store to the session: every domain event becomes a push
// update to its slice, and each authentication triggers hydration. The
// returned function detaches everything.
func (s *Store) Bind(ctx context.Context, t Transport) func() {
	unsubs := make([]func(), 0, len(model.EventSlice)+1)

	for event, slice := range model.EventSlice {
		slice := slice
		unsubs = append(unsubs, t.Subscribe(event, func(payload json.RawMessage) {
			s.UpdateFromPush(slice, payload)
		}))
	}

	unsubs = append(unsubs, t.OnAuthenticated(func(userID string) {
		go func() {
			if err := s.Hydrate(ctx); err != nil {
				s.logger.Warn("hydration failed, will retry on next authentication", "error", err)
			}
		}()
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
