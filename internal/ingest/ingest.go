package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/models"
)

// Expected column order for a transaction batch. A header row matching the
// first column name is skipped.
var columns = []string{"id", "timestamp", "sender", "receiver", "amount", "currency", "channel", "memo"}

const requiredColumns = 7 // memo is optional

// RowError records a rejected row and why. Row indexes are 1-based and
// count the header if present.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Batch is one run's worth of transactions plus the entities derived from
// them. Transactions are read-only after ingestion.
type Batch struct {
	Transactions []models.Transaction
	Entities     []models.Entity

	byID map[string]int
}

// HasTransaction reports whether an id belongs to the batch.
func (b *Batch) HasTransaction(id string) bool {
	_, ok := b.byID[id]
	return ok
}

// HasEntity reports whether an entity id was derived from the batch.
func (b *Batch) HasEntity(id string) bool {
	for _, e := range b.Entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// ByEntity groups transactions by sender entity id, preserving input order
// within each group.
func (b *Batch) ByEntity() map[string][]models.Transaction {
	groups := make(map[string][]models.Transaction)
	for _, txn := range b.Transactions {
		id := models.EntityID(txn.Sender)
		groups[id] = append(groups[id], txn)
	}
	return groups
}

// ParseBatch reads a tabular transaction batch. Malformed rows are rejected
// individually with their row index; the batch only fails outright when it
// is empty, when every row is malformed, or when two rows share an id.
func ParseBatch(r io.Reader) (*Batch, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		txns     []models.Transaction
		rowErrs  []RowError
		rowIndex int
	)

	seen := make(map[string]int)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, faults.New(faults.CategoryMalformedInput, "", "unparseable batch", err)
		}
		rowIndex++

		if rowIndex == 1 && len(record) > 0 && strings.EqualFold(record[0], columns[0]) {
			continue // header
		}

		txn, reason := parseRow(record)
		if reason != "" {
			rowErrs = append(rowErrs, RowError{Row: rowIndex, Reason: reason})
			continue
		}

		if prev, dup := seen[txn.ID]; dup {
			return nil, rowErrs, faults.New(faults.CategoryMalformedInput, "",
				fmt.Sprintf("duplicate transaction id %q (rows %d and %d)", txn.ID, prev, rowIndex), nil)
		}
		seen[txn.ID] = rowIndex
		txns = append(txns, txn)
	}

	if rowIndex == 0 {
		return nil, nil, faults.New(faults.CategoryMalformedInput, "", "empty batch", nil)
	}
	if len(txns) == 0 {
		return nil, rowErrs, faults.New(faults.CategoryMalformedInput, "",
			fmt.Sprintf("all %d rows malformed", len(rowErrs)), nil)
	}

	batch := &Batch{
		Transactions: txns,
		Entities:     deriveEntities(txns),
		byID:         seen,
	}
	return batch, rowErrs, nil
}

// NewBatch wraps already-validated transactions, for callers that do not go
// through the tabular parser (API submissions, tests).
func NewBatch(txns []models.Transaction) (*Batch, error) {
	if len(txns) == 0 {
		return nil, faults.New(faults.CategoryMalformedInput, "", "empty batch", nil)
	}
	byID := make(map[string]int, len(txns))
	for i, txn := range txns {
		if txn.ID == "" {
			return nil, faults.New(faults.CategoryMalformedInput, "",
				fmt.Sprintf("transaction %d has no id", i), nil)
		}
		if _, dup := byID[txn.ID]; dup {
			return nil, faults.New(faults.CategoryMalformedInput, "",
				fmt.Sprintf("duplicate transaction id %q", txn.ID), nil)
		}
		byID[txn.ID] = i
	}
	return &Batch{
		Transactions: txns,
		Entities:     deriveEntities(txns),
		byID:         byID,
	}, nil
}

func parseRow(record []string) (models.Transaction, string) {
	if len(record) < requiredColumns {
		return models.Transaction{}, fmt.Sprintf("expected at least %d columns, got %d", requiredColumns, len(record))
	}

	id := strings.TrimSpace(record[0])
	if id == "" {
		return models.Transaction{}, "missing id"
	}

	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[1]))
	if err != nil {
		return models.Transaction{}, fmt.Sprintf("bad timestamp: %v", err)
	}

	sender := strings.TrimSpace(record[2])
	receiver := strings.TrimSpace(record[3])
	if sender == "" || receiver == "" {
		return models.Transaction{}, "missing sender or receiver"
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(record[4]))
	if err != nil {
		return models.Transaction{}, fmt.Sprintf("non-numeric amount: %v", err)
	}
	if amount.IsNegative() {
		return models.Transaction{}, "negative amount"
	}

	currency := strings.TrimSpace(record[5])
	if currency == "" {
		return models.Transaction{}, "missing currency"
	}

	txn := models.Transaction{
		ID:        id,
		Timestamp: ts,
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Currency:  currency,
		Channel:   strings.TrimSpace(record[6]),
	}
	if len(record) > 7 {
		txn.Memo = strings.TrimSpace(record[7])
	}
	return txn, ""
}

// deriveEntities collects the distinct parties referenced by the batch,
// ordered by entity id for determinism.
func deriveEntities(txns []models.Transaction) []models.Entity {
	byID := make(map[string]*models.Entity)
	jurisdictions := make(map[string]string)

	add := func(name string) {
		id := models.EntityID(name)
		if _, ok := byID[id]; !ok {
			byID[id] = &models.Entity{ID: id, Name: name}
		}
	}

	for _, txn := range txns {
		add(txn.Sender)
		add(txn.Receiver)
		// A memo of the form "jurisdiction:XX" annotates the sender's
		// jurisdiction in sample exports.
		if j, ok := strings.CutPrefix(txn.Memo, "jurisdiction:"); ok {
			jurisdictions[models.EntityID(txn.Sender)] = strings.TrimSpace(j)
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		e := *byID[id]
		if j, ok := jurisdictions[id]; ok {
			e.Jurisdiction = j
		}
		entities = append(entities, e)
	}
	return entities
}
