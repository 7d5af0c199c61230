package funding

import (
	"time"

	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/payments"
)

// TopUpRequest credits a wallet from an external reference.
type TopUpRequest struct {
	AccountID      string `json:"accountId"`
	AmountCents    int64  `json:"amountCents"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	ActorAccountID string `json:"actorAccountId"`
}

// TopUpResponse reports the balance after a top-up.
type TopUpResponse struct {
	AccountID      string `json:"accountId"`
	AvailableCents int64  `json:"availableCents"`
}

// RefundRequest returns part or all of an accepted payment to the payer.
type RefundRequest struct {
	OriginalTxID   string `json:"originalTxId"`
	AmountCents    int64  `json:"amountCents"`
	Reason         string `json:"reason"`
	ActorAccountID string `json:"actorAccountId"`
}

// RefundResponse reports both balances after a refund.
type RefundResponse struct {
	TxID            string          `json:"txId"`
	RefundTxID      string          `json:"refundTxId"`
	PayerBalance    int64           `json:"payerBalance"`
	MerchantBalance int64           `json:"merchantBalance"`
	RefundedCents   int64           `json:"refundedCents"`
	Status          payments.Status `json:"status"`
}

// BalanceResponse is a wallet snapshot.
type BalanceResponse struct {
	AccountID      string    `json:"accountId"`
	AvailableCents int64     `json:"availableCents"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Version        int64     `json:"version"`
}

// HistoryResponse lists an account's recent transactions and ledger rows.
type HistoryResponse struct {
	Transactions []payments.OfflineTransaction `json:"transactions"`
	Ledger       []ledger.Entry                `json:"ledger"`
}
