// Package notify sends grouped customer alerts for held transactions.
//
// A pass collects every unreviewed, unnotified transaction that is on hold
// or declined, groups them per customer and sends one message per group.
// The group's notified flags flip only after the message was either
// delivered or written to the local outbox, and they flip together. A
// customer without an email address goes straight to the outbox. Pages
// rotate by customer id so a group that keeps failing does not hold back
// the customers after it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/traces"
)

// Subject is the subject line of every customer alert.
const Subject = "URGENT: Verify Account Activity"

// EventAlertSent is published after a group was delivered and recorded.
const EventAlertSent = "alert.sent"

const (
	DefaultBatchSize        = 100
	DefaultNarrativeTimeout = 20 * time.Second
	DefaultMailTimeout      = 15 * time.Second
	DefaultBankName         = "Sentinel Bank Security"
)

// recordTimeout bounds the outbox write and the notification record of one
// group on top of the narrative and mail timeouts.
const recordTimeout = 30 * time.Second

var ErrEmptyIntro = errors.New("notify: narrative generator returned an empty intro")

// NarrativeRequest is the input to the narrative generator. Reasons are
// the distinct, untagged hold reasons of the group in first-seen order.
type NarrativeRequest struct {
	CustomerName string
	RMName       string
	BankName     string
	Reasons      []string
}

// NarrativeGenerator writes the opening paragraph of an alert.
type NarrativeGenerator interface {
	Summarize(ctx context.Context, req NarrativeRequest) (string, error)
}

// Message is a composed alert ready for delivery.
type Message struct {
	ID             string
	CustomerID     string
	CustomerName   string
	To             string
	Subject        string
	HTML           string
	TransactionIDs []string
}

// MailSender delivers a message to the customer.
type MailSender interface {
	Send(ctx context.Context, msg Message) error
}

// Outbox stores a message locally when delivery fails. It returns the
// location the message was written to.
type Outbox interface {
	Save(ctx context.Context, msg Message) (string, error)
}

// channeler is implemented by senders that report their delivery channel.
type channeler interface {
	Channel() cases.Channel
}

// Config holds notifier settings.
type Config struct {
	BatchSize        int
	BankName         string
	NarrativeTimeout time.Duration
	MailTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BankName == "" {
		c.BankName = DefaultBankName
	}
	if c.NarrativeTimeout <= 0 {
		c.NarrativeTimeout = DefaultNarrativeTimeout
	}
	if c.MailTimeout <= 0 {
		c.MailTimeout = DefaultMailTimeout
	}
	return c
}

// Result summarizes one notifier pass.
type Result struct {
	Groups   int
	Sent     int
	Outboxed int
	Skipped  int
}

// Notifier composes and delivers grouped alerts.
type Notifier struct {
	store    cases.Store
	narrator NarrativeGenerator
	sender   MailSender
	outbox   Outbox
	events   cases.EventPublisher
	cfg      Config
	retry    retry.Policy
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cursor string
}

// NewNotifier creates a notifier. sender may be nil, in which case every
// alert goes straight to the outbox.
func NewNotifier(store cases.Store, narrator NarrativeGenerator, sender MailSender, outbox Outbox, cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:    store,
		narrator: narrator,
		sender:   sender,
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		retry:    retry.DefaultPolicy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents adds a publisher for alert.sent events.
func (n *Notifier) WithEvents(p cases.EventPublisher) *Notifier {
	n.events = p
	return n
}

// WithRetry overrides the backoff used when listing candidates.
func (n *Notifier) WithRetry(p retry.Policy) *Notifier {
	n.retry = p
	return n
}

// WithClock overrides the clock. Used by tests.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// group is one customer's pending alerts.
type group struct {
	customer *cases.Customer
	txs      []*cases.Transaction
}

func (g *group) ids() []string {
	ids := make([]string, len(g.txs))
	for i, t := range g.txs {
		ids[i] = t.ID
	}
	return ids
}

// reasons returns the distinct untagged reasons in first-seen order.
func (g *group) reasons() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range g.txs {
		r := rules.StripTag(t.Reason)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// groupByCustomer groups candidates per customer, keeping the order in
// which customers first appear.
func groupByCustomer(cands []*cases.AlertCandidate) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, c := range cands {
		g, ok := index[c.Transaction.CustomerID]
		if !ok {
			g = &group{customer: c.Customer}
			index[c.Transaction.CustomerID] = g
			groups = append(groups, g)
		}
		g.txs = append(g.txs, c.Transaction)
	}
	return groups
}

// RunOnce performs a single notifier pass. The returned error is non-nil
// only when candidates could not be listed.
func (n *Notifier) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "notify.RunOnce")
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()

	var res Result
	var cands []*cases.AlertCandidate
	err := n.retry.Do(ctx, func() error {
		var err error
		cands, err = n.store.ListAlertCandidates(ctx, n.cursor, n.cfg.BatchSize)
		return err
	})
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("list alert candidates: %w", err)
	}

	groups := groupByCustomer(cands)
	span.SetAttributes(traces.BatchSize(len(groups)))
	interrupted := false
	for _, g := range groups {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		res.Groups++
		ch, err := n.notifyDetached(ctx, g)
		if err != nil {
			res.Skipped++
			groupsTotal.WithLabelValues("skipped").Inc()
			n.logger.Warn("alert group skipped",
				"customerId", g.customer.ID,
				"transactions", len(g.txs),
				"error", err,
			)
			continue
		}
		groupsTotal.WithLabelValues(string(ch)).Inc()
		if ch == cases.ChannelOutbox {
			res.Outboxed++
		} else {
			res.Sent++
		}
	}

	if !interrupted {
		n.advance(cands)
	}

	passesTotal.WithLabelValues("ok").Inc()
	if res.Groups > 0 {
		n.logger.Info("notify pass complete",
			"groups", res.Groups,
			"sent", res.Sent,
			"outboxed", res.Outboxed,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

// advance moves the cursor past the last customer of a full page or wraps
// it after a short one.
func (n *Notifier) advance(page []*cases.AlertCandidate) {
	if len(page) < n.cfg.BatchSize {
		n.cursor = ""
		return
	}
	n.cursor = page[len(page)-1].Transaction.CustomerID
}

// notifyDetached runs one group detached from the pass context;
// cancellation is observed between groups.
func (n *Notifier) notifyDetached(ctx context.Context, g *group) (cases.Channel, error) {
	budget := n.cfg.NarrativeTimeout + n.cfg.MailTimeout + recordTimeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	return n.notifyGroup(ctx, g)
}

func (n *Notifier) notifyGroup(ctx context.Context, g *group) (cases.Channel, error) {
	ctx, span := traces.StartSpan(ctx, "notify.group",
		traces.CustomerID(g.customer.ID), traces.BatchSize(len(g.txs)))
	defer span.End()

	intro, err := n.narrate(ctx, g)
	if err != nil {
		narrativeFailures.Inc()
		return "", fmt.Errorf("narrative: %w", err)
	}

	body, err := n.compose(g, intro)
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}
	msg := Message{
		ID:             uuid.NewString(),
		CustomerID:     g.customer.ID,
		CustomerName:   g.customer.Name,
		To:             g.customer.Email,
		Subject:        Subject,
		HTML:           body,
		TransactionIDs: g.ids(),
	}

	ch, path, err := n.deliver(ctx, msg)
	if err != nil {
		return "", err
	}
	span.SetAttributes(traces.Channel(string(ch)))

	flipped, err := n.store.RecordNotification(ctx, &cases.Notification{
		ID:             msg.ID,
		CustomerID:     msg.CustomerID,
		DedupeKey:      cases.NotificationKey(msg.CustomerID, msg.TransactionIDs),
		TransactionIDs: msg.TransactionIDs,
		Channel:        ch,
		Recipient:      msg.To,
		Subject:        msg.Subject,
		OutboxPath:     path,
		CreatedAt:      n.now(),
	})
	if err != nil {
		return "", fmt.Errorf("record notification after %s delivery: %w", ch, err)
	}

	n.logger.Info("customer alert delivered",
		"customerId", msg.CustomerID,
		"channel", ch,
		"transactions", len(msg.TransactionIDs),
		"flagged", flipped,
		"outboxPath", path,
	)
	if n.events != nil && flipped > 0 {
		n.events.Publish(EventAlertSent, msg.CustomerID, map[string]interface{}{
			"notificationId": msg.ID,
			"channel":        ch,
			"transactionIds": msg.TransactionIDs,
		})
	}
	return ch, nil
}

func (n *Notifier) narrate(ctx context.Context, g *group) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.NarrativeTimeout)
	defer cancel()

	intro, err := n.narrator.Summarize(ctx, NarrativeRequest{
		CustomerName: g.customer.Name,
		RMName:       rmName(g.customer),
		BankName:     n.cfg.BankName,
		Reasons:      g.reasons(),
	})
	if err != nil {
		return "", err
	}
	if intro == "" {
		return "", ErrEmptyIntro
	}
	return intro, nil
}

// deliver sends msg, falling back to the outbox when the sender is missing
// or fails, or when the customer has no address.
func (n *Notifier) deliver(ctx context.Context, msg Message) (cases.Channel, string, error) {
	switch {
	case msg.To == "":
		noRecipient.Inc()
		n.logger.Warn("customer has no email address, writing to outbox", "customerId", msg.CustomerID)
	case n.sender != nil:
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.MailTimeout)
		err := n.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return senderChannel(n.sender), "", nil
		}
		sendFailures.Inc()
		n.logger.Warn("mail delivery failed, writing to outbox",
			"customerId", msg.CustomerID, "error", err)
	}

	if n.outbox == nil {
		return "", "", errors.New("no outbox configured")
	}
	path, err := n.outbox.Save(ctx, msg)
	if err != nil {
		return "", "", fmt.Errorf("outbox: %w", err)
	}
	return cases.ChannelOutbox, path, nil
}

func senderChannel(s MailSender) cases.Channel {
	if c, ok := s.(channeler); ok {
		return c.Channel()
	}
	return cases.ChannelMail
}

func rmName(c *cases.Customer) string {
	if c.RM != nil && c.RM.Name != "" {
		return c.RM.Name
	}
	return "Your Relationship Manager"
}
