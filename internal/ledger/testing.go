package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Fund is a test helper that creates the wallet when missing and credits it
// through a top-up posting, so conservation still holds afterwards.
func Fund(ctx context.Context, s Store, accountID string, amount int64) (Wallet, error) {
	w, err := s.GetWallet(ctx, accountID)
	if errors.Is(err, ErrWalletNotFound) {
		w = Wallet{AccountID: accountID, Version: 1, UpdatedAt: time.Now().UTC()}
		if err := s.UpsertWallet(ctx, w); err != nil {
			return Wallet{}, err
		}
	} else if err != nil {
		return Wallet{}, err
	}
	if amount == 0 {
		return w, nil
	}
	res, err := s.Apply(ctx, Posting{
		TxID:     "topup:" + uuid.NewString(),
		Currency: "XAF",
		At:       time.Now().UTC(),
		Legs:     []Leg{{AccountID: accountID, Type: TypeTopup, DeltaCents: amount}},
	})
	if err != nil {
		return Wallet{}, err
	}
	return res.Wallets[accountID], nil
}
