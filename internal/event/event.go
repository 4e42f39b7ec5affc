// Package event defines the outbound ledger events published after a
// commit, for downstream consumers (notifications, analytics, audit).
// Publication is best effort: the ledger commit is the source of truth and
// consumers can rebuild from queries.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates outbound event payloads.
type Type string

const (
	TypeCollateralDeposited Type = "collateral.deposited"
	TypeCollateralLocked    Type = "collateral.locked"
	TypeCollateralWithdrawn Type = "collateral.withdrawn"
	TypeLoanOpened          Type = "loan.opened"
	TypeLoanRepaid          Type = "loan.repaid"
	TypeLoanLiquidated      Type = "loan.liquidated"
)

// Envelope wraps every outbound event.
type Envelope struct {
	EventID   uuid.UUID `json:"event_id"`
	Type      Type      `json:"type"`
	Owner     string    `json:"owner"`
	EntityID  uint64    `json:"entity_id"`
	Amount    uint64    `json:"amount,omitempty"`
	Receipt   string    `json:"receipt,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an envelope with a fresh event id.
func New(t Type, owner string, entityID uint64, ts time.Time) Envelope {
	return Envelope{
		EventID:   uuid.New(),
		Type:      t,
		Owner:     owner,
		EntityID:  entityID,
		Timestamp: ts,
	}
}
