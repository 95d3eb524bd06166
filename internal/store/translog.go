package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tidesync/internal/schema"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID returns a new, lexically time-ordered transaction id.
func NewTransactionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewID returns a new instance id: 32 lower-case hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const transactionColumns = `Id, ChangeType, TableName, InstanceId, Changes, CreationDate, SyncDate`

// AppendTransaction adds t to the outbound log. A missing id or creation
// date is filled in. Listeners on the Transactions table see an insert.
func (t *Tx) AppendTransaction(txn *tidesync.Transaction) error {
	if txn.ID == "" {
		txn.ID = NewTransactionID()
	}
	if txn.CreationDate.IsZero() {
		txn.CreationDate = time.Now().UTC()
	}

	changes, err := encodeChanges(txn.Changes)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", txn.ID, err)
	}

	_, err = t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO Transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		txn.ID,
		int(txn.ChangeType),
		txn.TableName,
		txn.InstanceID,
		changes,
		txn.CreationDate.UTC().Format(timeLayout),
		formatNullableTime(txn.SyncDate),
	)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", txn.ID, err)
	}

	t.changes.record(schema.TransactionsTable, txn.ID, changeInserted)
	return nil
}

// PendingTransactions returns up to limit outbound transactions, oldest
// first. A limit of zero or less returns all of them.
func (t *Tx) PendingTransactions(limit int) ([]tidesync.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM Transactions ORDER BY CreationDate, Id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.queryTransactions(query, args...)
}

// PendingForInstance returns the outbound transactions of one instance,
// oldest first.
func (t *Tx) PendingForInstance(table, instanceID string) ([]tidesync.Transaction, error) {
	return t.queryTransactions(`
		SELECT `+transactionColumns+` FROM Transactions
		WHERE TableName = ? AND InstanceId = ?
		ORDER BY CreationDate, Id
	`, table, instanceID)
}

// CountPending returns the number of outbound transactions.
func (t *Tx) CountPending() (int, error) {
	var n int
	if err := t.sqlTx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM Transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending transactions: %w", err)
	}
	return n, nil
}

// DeleteTransactions removes the given ids from the log and returns the
// ids that were not present.
func (t *Tx) DeleteTransactions(ids []string) (missing []string, err error) {
	for _, id := range ids {
		res, err := t.sqlTx.ExecContext(t.ctx, `DELETE FROM Transactions WHERE Id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("delete transaction %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("delete transaction %s: %w", id, err)
		}
		if n == 0 {
			missing = append(missing, id)
			continue
		}
		t.changes.record(schema.TransactionsTable, id, changeDeleted)
	}
	return missing, nil
}

// DeleteTransactionsFor purges the outbound transactions referencing the
// given instance of table and returns how many were removed. Entries for
// which keep reports true stay in the log; keep may be nil.
func (t *Tx) DeleteTransactionsFor(table, instanceID string, keep func(id string) bool) (int, error) {
	pending, err := t.PendingForInstance(table, instanceID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if keep != nil && keep(p.ID) {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	missing, err := t.DeleteTransactions(ids)
	if err != nil {
		return 0, err
	}
	return len(ids) - len(missing), nil
}

// ReplaceChanges overwrites the changeset of a pending transaction.
func (t *Tx) ReplaceChanges(id string, changes tidesync.Changeset) error {
	encoded, err := encodeChanges(changes)
	if err != nil {
		return fmt.Errorf("replace changes of %s: %w", id, err)
	}
	if _, err := t.sqlTx.ExecContext(t.ctx, `UPDATE Transactions SET Changes = ? WHERE Id = ?`, encoded, id); err != nil {
		return fmt.Errorf("replace changes of %s: %w", id, err)
	}
	t.changes.record(schema.TransactionsTable, id, changeModified)
	return nil
}

func (t *Tx) queryTransactions(query string, args ...any) ([]tidesync.Transaction, error) {
	rows, err := t.sqlTx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []tidesync.Transaction
	for rows.Next() {
		var (
			txn          tidesync.Transaction
			changeType   int
			changes      *string
			creationDate string
			syncDate     *string
		)
		if err := rows.Scan(&txn.ID, &changeType, &txn.TableName, &txn.InstanceID, &changes, &creationDate, &syncDate); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.ChangeType = tidesync.ChangeType(changeType)

		if txn.CreationDate, err = time.Parse(time.RFC3339Nano, creationDate); err != nil {
			return nil, fmt.Errorf("parse creation date of %s: %w", txn.ID, err)
		}
		if syncDate != nil && *syncDate != "" {
			sd, err := time.Parse(time.RFC3339Nano, *syncDate)
			if err != nil {
				slog.Warn("transaction: failed to parse sync date",
					"component", "store",
					"id", txn.ID,
					"value", *syncDate,
				)
			} else {
				txn.SyncDate = &sd
			}
		}
		if changes != nil {
			txn.Changes, err = t.decodeChanges(txn.TableName, *changes)
			if err != nil {
				return nil, fmt.Errorf("decode changes of %s: %w", txn.ID, err)
			}
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// decodeChanges restores canonical values for fields the schema knows.
func (t *Tx) decodeChanges(table, raw string) (tidesync.Changeset, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var cs tidesync.Changeset
	if err := dec.Decode(&cs); err != nil {
		return nil, err
	}
	td, ok := t.schema.Table(table)
	if !ok {
		return cs, nil
	}
	for name, v := range cs {
		attr, ok := td.Attributes[name]
		if !ok {
			continue
		}
		cv, err := schema.Coerce(attr.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", table, name, err)
		}
		cs[name] = cv
	}
	return cs, nil
}

func encodeChanges(cs tidesync.Changeset) (any, error) {
	if cs == nil {
		return nil, nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
