/*
writer.go - Ledger writer: payment record + ledger link

PURPOSE:
  Given an already-validated mutation, persists one payment record and one
  link to the mutated balance inside the caller's transaction. A payment
  never exists without its link: any failure is returned to the engine,
  which aborts the whole transaction.

TWO-TIER WRITE:
  Databases provisioned by older releases may lack the optional payment
  columns (category, method, reference, notes). The writer tries the
  profiles in order:

    1. ProfileFull     every attribute
    2. ProfileMinimal  owner, reason, date, amount, kind

  The minimal tier writes nothing else; timestamps come from column
  defaults when the table has them.

  Only ErrSchemaMismatch moves on to the next tier. Any other error, or a
  mismatch on the last tier, is fatal.

SEE ALSO:
  - store.go: WriteProfile, Tx.InsertPayment
  - engine.go: callers
*/
package ledger

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Writer records payments and their ledger links.
type Writer struct {
	log logrus.FieldLogger
}

// NewWriter creates a writer logging through log.
func NewWriter(log logrus.FieldLogger) *Writer {
	return &Writer{log: log}
}

// Record inserts p and links it to balance. The returned profile is the
// one the payment was written with.
func (w *Writer) Record(ctx context.Context, tx Tx, balance BalanceRecord, p PaymentRecord) (PaymentID, WriteProfile, error) {
	if p.UserID != balance.UserID {
		return 0, ProfileFull, persistence("record payment", errors.New("payment owner does not own balance"))
	}

	var (
		id      PaymentID
		profile WriteProfile
		err     error
	)
	for _, profile = range writeProfiles {
		id, err = tx.InsertPayment(ctx, p, profile)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSchemaMismatch) {
			return 0, profile, persistence("insert payment", err)
		}
		w.log.WithFields(logrus.Fields{
			"user_id": p.UserID,
			"profile": profile.String(),
		}).WithError(err).Warn("payment write rejected by schema, trying narrower profile")
	}
	if err != nil {
		return 0, profile, persistence("insert payment", err)
	}

	if _, err := tx.InsertLink(ctx, LedgerLink{BalanceID: balance.ID, PaymentID: id}); err != nil {
		return 0, profile, persistence("insert ledger link", err)
	}

	if profile != ProfileFull {
		w.log.WithFields(logrus.Fields{
			"user_id":    p.UserID,
			"payment_id": id,
			"profile":    profile.String(),
		}).Warn("payment recorded without optional attributes")
	}
	return id, profile, nil
}
