package collab

import (
	"context"
	"sync"

	"BitVault/internal/ledger"
)

// MockVerifier is a scriptable CollateralVerifier for tests. The zero
// value confirms everything.
type MockVerifier struct {
	mu sync.Mutex

	// ConfirmFunc, if set, handles the call entirely.
	ConfirmFunc func(ctx context.Context, ref ledger.OutputRef, amount uint64, address string) (bool, error)

	// Reject makes Confirm return (false, nil).
	Reject bool

	// Err makes Confirm fail, simulating an unreachable collaborator.
	Err error

	Calls int
}

func (m *MockVerifier) Confirm(ctx context.Context, ref ledger.OutputRef, amount uint64, address string) (bool, error) {
	m.mu.Lock()
	m.Calls++
	fn, reject, err := m.ConfirmFunc, m.Reject, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, ref, amount, address)
	}
	if err != nil {
		return false, err
	}
	return !reject, nil
}

// MockIndexer is a scriptable MetadataIndexer. The zero value reports no
// metadata, which is success.
type MockIndexer struct {
	mu sync.Mutex

	Metadata *ledger.Metadata
	Err      error
	Calls    int
}

func (m *MockIndexer) Lookup(ctx context.Context, ref ledger.OutputRef) (*ledger.Metadata, error) {
	m.mu.Lock()
	m.Calls++
	md, err := m.Metadata, m.Err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return md, nil
}

// MockAssetLedger is a scriptable AssetLedger. The zero value succeeds:
// transfers out with a fixed receipt and confirms all incoming transfers.
type MockAssetLedger struct {
	mu sync.Mutex

	// TransferOutFunc, if set, handles TransferOut entirely. Used by
	// concurrency tests to hold the call open mid-flight.
	TransferOutFunc func(ctx context.Context, to string, amount uint64) (string, error)

	Receipt         string
	TransferOutErr  error
	IncomingMissing bool
	IncomingErr     error

	TransferOutCalls int
	ConfirmCalls     int
}

func (m *MockAssetLedger) TransferOut(ctx context.Context, to string, amount uint64) (string, error) {
	m.mu.Lock()
	m.TransferOutCalls++
	fn, receipt, err := m.TransferOutFunc, m.Receipt, m.TransferOutErr
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, to, amount)
	}
	if err != nil {
		return "", err
	}
	if receipt == "" {
		receipt = "mock-receipt"
	}
	return receipt, nil
}

func (m *MockAssetLedger) ConfirmIncoming(ctx context.Context, from string, amount uint64) (bool, error) {
	m.mu.Lock()
	m.ConfirmCalls++
	missing, err := m.IncomingMissing, m.IncomingErr
	m.mu.Unlock()

	if err != nil {
		return false, err
	}
	return !missing, nil
}
