package store

import (
	"context"
	"errors"

	"routeconsole/internal/model"
)

// Store persists workflow session snapshots.
type Store interface {
	SaveSession(ctx context.Context, rec model.SessionRecord) error
	GetSession(ctx context.Context, orgID, id string) (model.SessionRecord, error)
	ListSessions(ctx context.Context, orgID string, limit int) ([]model.SessionRecord, error)
	DeleteSession(ctx context.Context, orgID, id string) error
	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
