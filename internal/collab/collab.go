// Package collab defines the contracts of the external collaborators the
// ledger core consumes, plus their NATS request/reply implementations and
// scriptable test doubles. The core never mutates ledger state until the
// relevant collaborator has confirmed.
package collab

import (
	"context"

	"BitVault/internal/ledger"
)

// CollateralVerifier confirms that the referenced output exists on the
// underlying chain, is unspent, and matches the claimed amount and address.
type CollateralVerifier interface {
	Confirm(ctx context.Context, ref ledger.OutputRef, amount uint64, address string) (bool, error)
}

// MetadataIndexer looks up the inscription payload attached to an output.
// Absence of metadata is success, not failure: (nil, nil).
type MetadataIndexer interface {
	Lookup(ctx context.Context, ref ledger.OutputRef) (*ledger.Metadata, error)
}

// AssetLedger moves the borrowed asset on its native ledger.
type AssetLedger interface {
	// TransferOut sends amount to the recipient and returns a transfer
	// receipt (an opaque reference on the asset ledger).
	TransferOut(ctx context.Context, to string, amount uint64) (string, error)

	// ConfirmIncoming reports whether a matching inbound transfer of
	// amount from the sender has settled.
	ConfirmIncoming(ctx context.Context, from string, amount uint64) (bool, error)
}
