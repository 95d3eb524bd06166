package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType is the kind of change a Transaction carries. The numeric values
// are part of the wire format.
type ChangeType int

const (
	ChangeInsert ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

// String returns the human-readable change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// Valid reports whether c is one of the known change types.
func (c ChangeType) Valid() bool {
	return c >= ChangeInsert && c <= ChangeDelete
}

// Changeset maps attribute names to scalar values. A nil value clears the field.
type Changeset map[string]any

// Clone returns a shallow copy of the changeset.
func (c Changeset) Clone() Changeset {
	if c == nil {
		return nil
	}
	out := make(Changeset, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Transaction is one field-level change to one instance, either queued for
// delivery (outbound) or received from the remote authority (inbound).
type Transaction struct {
	ID           string
	ChangeType   ChangeType
	TableName    string
	InstanceID   string
	Changes      Changeset
	CreationDate time.Time
	SyncDate     *time.Time
}

// TransactionDTO is the wire representation exchanged with the remote authority.
// EntityFullName and AssemblyName carry the target schema identity the remote
// mapping layer needs; they are only set on outbound records.
type TransactionDTO struct {
	ID             string         `json:"id"`
	EntityFullName string         `json:"entityFullName,omitempty"`
	AssemblyName   string         `json:"assemblyName,omitempty"`
	ChangeType     ChangeType     `json:"changeType"`
	TableName      string         `json:"tableName"`
	InstanceID     string         `json:"instanceId"`
	Changes        map[string]any `json:"changes,omitempty"`
	CreationDate   time.Time      `json:"creationDate"`
	SyncDate       *time.Time     `json:"syncDate"`
}

// Identity is the schema identity of a table as known by the remote.
type Identity struct {
	EntityFullName string `json:"entityFullName,omitempty" yaml:"entity_full_name,omitempty"`
	AssemblyName   string `json:"assemblyName,omitempty" yaml:"assembly_name,omitempty"`
}

// ToDTO converts an outbound transaction into its wire form.
func (t Transaction) ToDTO(id Identity) TransactionDTO {
	return TransactionDTO{
		ID:             t.ID,
		EntityFullName: id.EntityFullName,
		AssemblyName:   id.AssemblyName,
		ChangeType:     t.ChangeType,
		TableName:      t.TableName,
		InstanceID:     t.InstanceID,
		Changes:        t.Changes,
		CreationDate:   t.CreationDate,
		SyncDate:       t.SyncDate,
	}
}

// FromDTO converts a wire record into a Transaction. Changes are kept as
// decoded; callers coerce them against the derived schema.
func FromDTO(d TransactionDTO) Transaction {
	return Transaction{
		ID:           d.ID,
		ChangeType:   d.ChangeType,
		TableName:    d.TableName,
		InstanceID:   d.InstanceID,
		Changes:      Changeset(d.Changes),
		CreationDate: d.CreationDate,
		SyncDate:     d.SyncDate,
	}
}

// Hub method names shared by the transport and the authority.
const (
	MethodSyncTransactions    = "SyncTransactions"
	MethodReceiveTransactions = "ReceiveTransactions"
	MethodSend                = "Send"
	MethodTest                = "test"
)

// ResumeQueryParam carries the last round-tripped transaction id on connect.
const ResumeQueryParam = "lastSyncTransactionId"

// MaxBatchSize caps the number of transactions in one outbound invocation.
const MaxBatchSize = 30

// DecodeTransactions decodes a batch of wire records, keeping JSON numbers
// as json.Number so integer and double attributes can be told apart later.
func DecodeTransactions(raw json.RawMessage) ([]TransactionDTO, error) {
	var batch []TransactionDTO
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return batch, nil
}
