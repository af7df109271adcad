package model

import (
	"encoding/json"
	"time"
)

// SessionRecord is a stored snapshot of one route creation session.
type SessionRecord struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Step           string          `json:"step"`
	State          json.RawMessage `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
