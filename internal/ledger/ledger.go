package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a posting would drive a wallet below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned for lookups and postings against an account
	// that has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrVersionConflict signals that a wallet changed between read and write.
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrInvalidPosting rejects postings without legs or with zero deltas.
	ErrInvalidPosting = errors.New("invalid posting")
)

// EntryType tags a journal row.
type EntryType string

const (
	TypeTopup         EntryType = "topup"
	TypeOfflineDebit  EntryType = "offline_debit"
	TypeOfflineCredit EntryType = "offline_credit"
	TypeRefund        EntryType = "refund"
	TypeReversal      EntryType = "reversal"
)

// Wallet is the mutable balance row of one account. Version increases by
// exactly one on every mutation.
type Wallet struct {
	AccountID      string    `json:"accountId"`
	AvailableCents int64     `json:"availableCents"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry is an immutable journal row.
type Entry struct {
	EntryID    string            `json:"entryId"`
	AccountID  string            `json:"accountId"`
	TxID       string            `json:"txId"`
	Type       EntryType         `json:"type"`
	DeltaCents int64             `json:"deltaCents"`
	Currency   string            `json:"currency"`
	CreatedAt  time.Time         `json:"createdAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Leg is one account's side of a posting.
type Leg struct {
	AccountID  string
	Type       EntryType
	DeltaCents int64
	Metadata   map[string]string
}

// Posting is a set of legs applied atomically under a single transaction id.
// Offline payments and refunds carry two legs of opposite sign; top-ups carry
// one.
type Posting struct {
	TxID     string
	Currency string
	At       time.Time
	Legs     []Leg
}

func (p Posting) validate() error {
	if p.TxID == "" || len(p.Legs) == 0 {
		return ErrInvalidPosting
	}
	for _, leg := range p.Legs {
		if leg.AccountID == "" || leg.DeltaCents == 0 {
			return ErrInvalidPosting
		}
	}
	return nil
}

// PostingResult carries the wallets as they stand after the posting and the
// appended entries.
type PostingResult struct {
	Wallets map[string]Wallet
	Entries []Entry
}

// ConservationError reports an account whose balance drifted from its journal.
type ConservationError struct {
	AccountID      string
	AvailableCents int64
	JournalCents   int64
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("wallet %s holds %d but journal sums to %d", e.AccountID, e.AvailableCents, e.JournalCents)
}

// Store is the only component allowed to mutate balances.
type Store interface {
	GetWallet(ctx context.Context, accountID string) (Wallet, error)
	// UpsertWallet creates a wallet, or replaces one whose stored version is
	// exactly w.Version-1.
	UpsertWallet(ctx context.Context, w Wallet) error
	AppendEntry(ctx context.Context, e Entry) error
	// Apply moves balances and appends one entry per leg atomically. No wallet
	// may end below zero.
	Apply(ctx context.Context, p Posting) (PostingResult, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error)
	// ListByAccountAndDate returns the account's entries created on the UTC
	// calendar day of date.
	ListByAccountAndDate(ctx context.Context, accountID string, date time.Time) ([]Entry, error)
	// CheckConservation returns a *ConservationError for the first wallet whose
	// balance differs from the sum of its entries.
	CheckConservation(ctx context.Context) error
}

// DayBounds returns the UTC half-open interval covering date's calendar day.
func DayBounds(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
