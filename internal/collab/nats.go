package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"BitVault/internal/ledger"
)

// Subjects are the NATS request/reply subjects of the collaborator
// services. The wire payloads are plain JSON; the services own their
// internal formats.
type Subjects struct {
	VerifyCollateral string
	LookupMetadata   string
	TransferOut      string
	ConfirmIncoming  string
}

// DefaultSubjects returns the conventional subject layout.
func DefaultSubjects() Subjects {
	return Subjects{
		VerifyCollateral: "vault.collab.verifier.confirm",
		LookupMetadata:   "vault.collab.indexer.lookup",
		TransferOut:      "vault.collab.assets.transfer_out",
		ConfirmIncoming:  "vault.collab.assets.confirm_incoming",
	}
}

// Client implements all three collaborator contracts over NATS
// request/reply. A request that times out or returns a malformed reply
// surfaces as an error; the engine wraps it as an external verification
// failure and leaves the ledger untouched.
type Client struct {
	nc       *nats.Conn
	subjects Subjects
	timeout  time.Duration
}

var (
	_ CollateralVerifier = (*Client)(nil)
	_ MetadataIndexer    = (*Client)(nil)
	_ AssetLedger        = (*Client)(nil)
)

func NewClient(nc *nats.Conn, subjects Subjects, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{nc: nc, subjects: subjects, timeout: timeout}
}

type confirmRequest struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Amount  uint64 `json:"amount"`
	Address string `json:"address,omitempty"`
}

type confirmReply struct {
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

type lookupReply struct {
	Metadata *ledger.Metadata `json:"metadata,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type transferRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type transferReply struct {
	Receipt   string `json:"receipt,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Confirm(ctx context.Context, ref ledger.OutputRef, amount uint64, address string) (bool, error) {
	var reply confirmReply
	err := c.request(ctx, c.subjects.VerifyCollateral, confirmRequest{
		TxID:    ref.TxID,
		Vout:    ref.Vout,
		Amount:  amount,
		Address: address,
	}, &reply)
	if err != nil {
		return false, err
	}
	if reply.Error != "" {
		return false, fmt.Errorf("verifier: %s", reply.Error)
	}
	return reply.Confirmed, nil
}

func (c *Client) Lookup(ctx context.Context, ref ledger.OutputRef) (*ledger.Metadata, error) {
	var reply lookupReply
	err := c.request(ctx, c.subjects.LookupMetadata, confirmRequest{
		TxID: ref.TxID,
		Vout: ref.Vout,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("indexer: %s", reply.Error)
	}
	return reply.Metadata, nil
}

func (c *Client) TransferOut(ctx context.Context, to string, amount uint64) (string, error) {
	var reply transferReply
	err := c.request(ctx, c.subjects.TransferOut, transferRequest{
		Account: to,
		Amount:  amount,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("asset ledger: %s", reply.Error)
	}
	return reply.Receipt, nil
}

func (c *Client) ConfirmIncoming(ctx context.Context, from string, amount uint64) (bool, error) {
	var reply transferReply
	err := c.request(ctx, c.subjects.ConfirmIncoming, transferRequest{
		Account: from,
		Amount:  amount,
	}, &reply)
	if err != nil {
		return false, err
	}
	if reply.Error != "" {
		return false, fmt.Errorf("asset ledger: %s", reply.Error)
	}
	return reply.Confirmed, nil
}
