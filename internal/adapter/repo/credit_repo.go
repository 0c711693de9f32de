package repo

import (
	"context"
	"fmt"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/sqlinline"
)

// CreditStorePG implements credits.Store on the credit_accounts table. Mutate
// holds a row lock for the whole read-modify-write.
type CreditStorePG struct {
	db infra.TxRunner
}

// NewCreditStore creates a credit store backed by PostgreSQL.
func NewCreditStore(db infra.TxRunner) *CreditStorePG {
	return &CreditStorePG{db: db}
}

// Mutate creates the account if needed, locks it, applies fn and writes the result.
func (r *CreditStorePG) Mutate(ctx context.Context, userID string, fn func(domain.CreditAccount) domain.CreditAccount) (domain.CreditAccount, error) {
	var out domain.CreditAccount
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if _, err := tx.Exec(ctx, sqlinline.QEnsureCreditAccount, userID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		acct := domain.CreditAccount{UserID: userID}
		var lastReset *time.Time
		if err := tx.QueryRow(ctx, sqlinline.QLockCreditAccount, userID).Scan(&acct.Credits, &lastReset); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		acct.LastResetAt = lastReset

		next := fn(acct)
		next.UserID = userID
		if next.Credits < 0 {
			return fmt.Errorf("credits for %s would become negative", userID)
		}
		if _, err := tx.Exec(ctx, sqlinline.QUpdateCreditAccount, userID, next.Credits, next.LastResetAt); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.CreditAccount{}, err
	}
	return out, nil
}

// Get reads an account without locking. Missing accounts read as fresh ones.
func (r *CreditStorePG) Get(ctx context.Context, userID string) (domain.CreditAccount, error) {
	acct := domain.CreditAccount{UserID: userID}
	var lastReset *time.Time
	if err := r.db.QueryRow(ctx, sqlinline.QSelectCreditAccount, userID).Scan(&acct.Credits, &lastReset); err != nil {
		if infra.IsNoRows(err) {
			return acct, nil
		}
		return domain.CreditAccount{}, err
	}
	acct.LastResetAt = lastReset
	return acct, nil
}
