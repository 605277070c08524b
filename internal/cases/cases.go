// Package cases owns transactions and their review lifecycle.
//
// Lifecycle:
//  1. Ingested transaction → pending
//  2. Audit clears it → approved ("Passed Automated Audit")
//  3. Audit holds it → on_hold (tagged rule reason, unreviewed)
//  4. Reviewer approves → approved ("Manual Approval")
//  5. Reviewer defers → on_hold (reviewed, reason kept)
//  6. Reviewer confirms fraud → declined ("Confirmed Fraud") + fraud case archived
//
// Every transition is a conditional update on the expected source status.
// A mismatch surfaces as ErrStaleState from the store and is treated by the
// service as a no-op.
package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/rules"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrFraudCaseNotFound   = errors.New("fraud case not found")
	ErrStaleState          = errors.New("transaction is not in the expected state")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrAlreadyExists       = errors.New("record already exists")
)

// Status is the review state of a transaction.
type Status string

const (
	StatusPending  Status = "pending"  // Awaiting audit
	StatusApproved Status = "approved" // Cleared by audit or reviewer
	StatusOnHold   Status = "on_hold"  // Held by a rule, awaiting review
	StatusDeclined Status = "declined" // Confirmed fraud
)

// NotifyState tracks whether the customer has been alerted.
type NotifyState string

const (
	NotifyPending NotifyState = "pending"
	NotifySent    NotifyState = "sent"
)

// Reason markers written by non-rule transitions.
const (
	ReasonAutoPass       = "Passed Automated Audit"
	ReasonManualApproval = "Manual Approval"
	ReasonConfirmedFraud = "Confirmed Fraud"
)

// DefaultCurrency is applied to transactions ingested without one.
const DefaultCurrency = "USD"

// RelationshipManager is the bank employee who owns a customer.
type RelationshipManager struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Customer is an account holder.
type Customer struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Email       string               `json:"email"`
	Phone       string               `json:"phone,omitempty"`
	HomeCity    string               `json:"homeCity"`
	HomeCountry string               `json:"homeCountry"`
	AccountRef  string               `json:"accountRef,omitempty"`
	RMID        string               `json:"rmId,omitempty"`
	RM          *RelationshipManager `json:"relationshipManager,omitempty"`
}

// Profile returns the rule-facing home location.
func (c *Customer) Profile() rules.Profile {
	return rules.Profile{CustomerID: c.ID, HomeCity: c.HomeCity, HomeCountry: c.HomeCountry}
}

// Transaction is a single money movement under review.
type Transaction struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	Timestamp       time.Time       `json:"timestamp"`
	Place           string          `json:"place"`
	Country         string          `json:"country"`
	Category        string          `json:"category,omitempty"`
	Type            rules.TxKind    `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DestinationBank string          `json:"destinationBank,omitempty"`
	Status          Status          `json:"status"`
	Reviewed        bool            `json:"reviewed"`
	ReviewedBy      string          `json:"reviewedBy,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Notified        NotifyState     `json:"notified"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if no further transition is possible.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusApproved || t.Status == StatusDeclined
}

// RuleTxn converts the transaction for rule evaluation.
func (t *Transaction) RuleTxn() rules.Txn {
	return rules.Txn{
		ID:        t.ID,
		Timestamp: t.Timestamp,
		Place:     t.Place,
		Country:   t.Country,
		Kind:      t.Type,
		Amount:    t.Amount,
		Settled:   t.Status != StatusPending,
		Approved:  t.Status == StatusApproved,
	}
}

// Validate checks the fields required before a transaction is stored and
// applies defaults.
func (t *Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	case strings.TrimSpace(t.CustomerID) == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidTransaction)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTransaction)
	case t.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	case t.Type != rules.Debit && t.Type != rules.Credit:
		return fmt.Errorf("%w: type must be debit or credit", ErrInvalidTransaction)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if (t.Status == StatusPending) != (t.Reason == "") {
		return fmt.Errorf("%w: reason must be set iff status is not pending", ErrInvalidTransaction)
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Notified == "" {
		t.Notified = NotifyPending
	}
	t.Timestamp = t.Timestamp.UTC().Truncate(time.Second)
	return nil
}

// Transition is a conditional status change.
type Transition struct {
	TxID       string
	From       Status
	To         Status
	Reviewed   bool
	ReviewedBy string
	// Reason replaces the current reason unless KeepReason is set.
	Reason     string
	KeepReason bool
	At         time.Time
}

// Archive carries the reviewer input recorded with a fraud case.
type Archive struct {
	ForensicReport string
	ArchivedBy     string
	ArchivedAt     time.Time
}

// FraudCase is the archived snapshot of a confirmed-fraud transaction.
type FraudCase struct {
	TransactionID   string          `json:"transactionId"`
	CustomerID      string          `json:"customerId"`
	CustomerName    string          `json:"customerName"`
	CustomerEmail   string          `json:"customerEmail"`
	CustomerPhone   string          `json:"customerPhone,omitempty"`
	HomeCity        string          `json:"homeCity"`
	RMName          string          `json:"rmName,omitempty"`
	RMEmail         string          `json:"rmEmail,omitempty"`
	RMPhone         string          `json:"rmPhone,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Place           string          `json:"place"`
	Country         string          `json:"country"`
	Timestamp       time.Time       `json:"timestamp"`
	DestinationBank string          `json:"destinationBank,omitempty"`
	HoldReason      string          `json:"holdReason"`
	RuleID          string          `json:"ruleId,omitempty"`
	ForensicReport  string          `json:"forensicReport,omitempty"`
	Summary         string          `json:"summary"`
	ArchivedBy      string          `json:"archivedBy,omitempty"`
	ArchivedAt      time.Time       `json:"archivedAt"`
}

// NewFraudCase builds the archive snapshot from the held transaction (with
// its hold reason still in place) and its customer.
func NewFraudCase(t *Transaction, c *Customer, a Archive) *FraudCase {
	fc := &FraudCase{
		TransactionID:   t.ID,
		CustomerID:      t.CustomerID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		Place:           t.Place,
		Country:         t.Country,
		Timestamp:       t.Timestamp,
		DestinationBank: t.DestinationBank,
		HoldReason:      t.Reason,
		RuleID:          string(rules.TagOf(t.Reason)),
		ForensicReport:  a.ForensicReport,
		Summary:         fmt.Sprintf("ALERT REASON: %s\n\nFORENSIC ANALYSIS: %s", t.Reason, a.ForensicReport),
		ArchivedBy:      a.ArchivedBy,
		ArchivedAt:      a.ArchivedAt,
	}
	if c != nil {
		fc.CustomerName = c.Name
		fc.CustomerEmail = c.Email
		fc.CustomerPhone = c.Phone
		fc.HomeCity = c.HomeCity
		if c.RM != nil {
			fc.RMName = c.RM.Name
			fc.RMEmail = c.RM.Email
			fc.RMPhone = c.RM.Phone
		}
	}
	return fc
}

// Channel is how an alert reached (or was parked for) the customer.
type Channel string

const (
	ChannelMail    Channel = "mail"
	ChannelWebhook Channel = "webhook"
	ChannelOutbox  Channel = "outbox"
)

// Notification records one delivered alert covering a group of
// transactions.
type Notification struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customerId"`
	DedupeKey      string    `json:"dedupeKey"`
	TransactionIDs []string  `json:"transactionIds"`
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	OutboxPath     string    `json:"outboxPath,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NotificationKey derives the idempotency key for a customer's alert group.
func NotificationKey(customerID string, txIDs []string) string {
	ids := append([]string(nil), txIDs...)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(customerID))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AlertCandidate is a held or declined transaction awaiting a customer
// alert, joined with its customer.
type AlertCandidate struct {
	Transaction *Transaction
	Customer    *Customer
}

// Cursor is a keyset position in (timestamp, id) order. The zero value
// starts from the beginning.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// After reports whether t sorts strictly after the cursor.
func (c Cursor) After(t *Transaction) bool {
	if !t.Timestamp.Equal(c.Timestamp) {
		return t.Timestamp.After(c.Timestamp)
	}
	return t.ID > c.ID
}

// CursorOf returns the cursor positioned at t.
func CursorOf(t *Transaction) Cursor {
	return Cursor{Timestamp: t.Timestamp, ID: t.ID}
}

// Store persists customers, transactions, fraud cases and notifications.
type Store interface {
	CreateRelationshipManager(ctx context.Context, rm *RelationshipManager) error
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListByStatus returns transactions ordered by (timestamp, id),
	// starting strictly after the cursor.
	ListByStatus(ctx context.Context, status Status, after Cursor, limit int) ([]*Transaction, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
	// ListWindow returns the customer's transactions with from <= ts <= to.
	ListWindow(ctx context.Context, customerID string, from, to time.Time) ([]*Transaction, error)
	// LastBefore returns the customer's latest transaction with ts < before,
	// or ErrTransactionNotFound.
	LastBefore(ctx context.Context, customerID string, before time.Time) (*Transaction, error)

	// Transition applies tr iff the row is currently in tr.From.
	Transition(ctx context.Context, tr Transition) (*Transaction, error)
	// ConfirmFraud applies tr and writes the fraud case in one commit.
	ConfirmFraud(ctx context.Context, tr Transition, a Archive) (*FraudCase, error)
	GetFraudCase(ctx context.Context, txID string) (*FraudCase, error)
	ListFraudCases(ctx context.Context, limit int) ([]*FraudCase, error)

	// ListAlertCandidates returns rows of customers with id > afterCustomer,
	// ordered by (customer, timestamp, id).
	ListAlertCandidates(ctx context.Context, afterCustomer string, limit int) ([]*AlertCandidate, error)
	// RecordNotification stores n and flips every still-pending notified
	// flag in n.TransactionIDs in one commit. Returns the rows flipped.
	RecordNotification(ctx context.Context, n *Notification) (int, error)
	ListNotifications(ctx context.Context, customerID string, limit int) ([]*Notification, error)
}

// EventPublisher receives case lifecycle events.
type EventPublisher interface {
	Publish(eventType, customerID string, data interface{})
}

// Event types published after an applied transition.
const (
	EventHeld     = "case.held"
	EventApproved = "case.approved"
	EventDeferred = "case.deferred"
	EventDeclined = "case.declined"
)
