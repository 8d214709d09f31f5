// Package oversight implements the human approval workflow that gates risky
// operations such as deep or wide delegation and circuit overrides.
//
// Every request resolves to exactly one decision. The first of these wins:
// an explicit Decide call, the policy's auto-approve grace period, the
// policy timeout, or cancellation of the caller's context. Timeouts approve
// by default (fail-open) so an unattended orchestrator never deadlocks;
// Config.FailOpen=false turns them into denials.
package oversight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
)

// ErrUnknownRequest is returned by Decide for requests that are not pending.
var ErrUnknownRequest = errors.New("no pending oversight request with that id")

// DecidedBy records which source resolved a request.
type DecidedBy string

const (
	DecidedByHuman       DecidedBy = "human"
	DecidedByTimeout     DecidedBy = "timeout"
	DecidedByAutoApprove DecidedBy = "auto_approve"
	DecidedByPolicy      DecidedBy = "policy"
	DecidedByCancelled   DecidedBy = "cancelled"
)

// Request is one pending approval.
type Request struct {
	ID               string         `json:"id"`
	Operation        Operation      `json:"operation"`
	Severity         Severity       `json:"severity"`
	Value            float64        `json:"value"`
	Context          map[string]any `json:"context,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Timeout          time.Duration  `json:"timeout"`
	AutoApproveAfter time.Duration  `json:"auto_approve_after,omitempty"`
}

// Deadline is when the request times out.
func (r Request) Deadline() time.Time {
	return r.CreatedAt.Add(r.Timeout)
}

// Decision is the resolution of a request.
type Decision struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	DecidedBy DecidedBy `json:"decided_by"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Record pairs a request with its decision.
type Record struct {
	Request  Request  `json:"request"`
	Decision Decision `json:"decision"`
}

// Config controls broker behavior.
type Config struct {
	// FailOpen approves requests that time out.
	FailOpen bool
	// SweepInterval is how often Run resolves expired requests.
	SweepInterval time.Duration
	// HistoryLimit bounds the in-memory decision log.
	HistoryLimit int
}

// DefaultConfig returns fail-open settings.
func DefaultConfig() Config {
	return Config{FailOpen: true, SweepInterval: 5 * time.Second, HistoryLimit: 500}
}

type pending struct {
	req  Request
	done chan Decision
}

// Broker queues approval requests and resolves them.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	policies map[Operation]Policy
	pending  map[string]*pending
	history  []Record

	requests chan Request

	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// NewBroker creates a broker with the built-in policies.
func NewBroker(cfg Config, logger *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Broker {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Broker{
		cfg:      cfg,
		policies: DefaultPolicies(),
		pending:  make(map[string]*pending),
		requests: make(chan Request, 64),
		metrics:  m,
		clock:    clock.OrReal(clk),
		logger:   logging.OrNop(logger).Named("oversight"),
	}
}

// Requests publishes every request that needs a decision. Publishing never
// blocks; requests are dropped from the channel (not from the queue) when no
// one is reading.
func (b *Broker) Requests() <-chan Request {
	return b.requests
}

// Policy returns the effective policy for op.
func (b *Broker) Policy(op Operation) Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.policies[op]; ok {
		return p
	}
	return unknownPolicy(op)
}

// SetPolicy replaces the policy for one operation.
func (b *Broker) SetPolicy(p Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[p.Operation] = p.normalized()
}

// Policies returns the configured policies sorted by operation.
func (b *Broker) Policies() []Policy {
	b.mu.Lock()
	out := make([]Policy, 0, len(b.policies))
	for _, p := range b.policies {
		out = append(out, p)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// LoadPolicies overlays policies from a YAML file on the built-in table.
// On error the current table is left untouched.
func (b *Broker) LoadPolicies(path string) error {
	list, err := ReadPolicies(path)
	if err != nil {
		b.logger.Warn("oversight policies not loaded", zap.String("path", path), zap.Error(err))
		return err
	}
	for _, p := range list {
		b.SetPolicy(p)
	}
	b.logger.Info("oversight policies loaded", zap.String("path", path), zap.Int("policies", len(list)))
	return nil
}

// Evaluate returns the severity of value under op's policy.
func (b *Broker) Evaluate(op Operation, value float64) Severity {
	return b.Policy(op).Evaluate(value)
}

// RequestApproval decides whether op may proceed at value. Values below the
// approval band are approved immediately by policy. Otherwise the request is
// queued and the call blocks until it is resolved, which always happens
// within the policy timeout. A cancelled ctx denies the request and returns
// ctx.Err().
func (b *Broker) RequestApproval(ctx context.Context, op Operation, value float64, reqContext map[string]any) (Decision, error) {
	policy := b.Policy(op)
	severity := policy.Evaluate(value)

	if !severity.NeedsApproval() {
		return b.decideByPolicy(op, severity, value, reqContext), nil
	}

	p := b.enqueue(policy, severity, value, reqContext)

	timeout := time.NewTimer(policy.Timeout)
	defer timeout.Stop()
	var autoC <-chan time.Time
	if policy.AutoApproveAfter > 0 && policy.AutoApproveAfter < policy.Timeout {
		auto := time.NewTimer(policy.AutoApproveAfter)
		defer auto.Stop()
		autoC = auto.C
	}

	select {
	case d := <-p.done:
		return d, nil
	case <-autoC:
		b.resolve(p.req.ID, true, DecidedByAutoApprove, "auto-approved after grace period")
		return <-p.done, nil
	case <-timeout.C:
		b.resolve(p.req.ID, b.cfg.FailOpen, DecidedByTimeout, b.timeoutReason())
		return <-p.done, nil
	case <-ctx.Done():
		b.resolve(p.req.ID, false, DecidedByCancelled, ctx.Err().Error())
		d := <-p.done
		if d.DecidedBy == DecidedByCancelled {
			return d, ctx.Err()
		}
		return d, nil
	}
}

// Submit queues a request without waiting for the decision. Requests below
// the approval band are decided immediately. Queued requests are resolved by
// Decide or by the sweeper.
func (b *Broker) Submit(op Operation, value float64, reqContext map[string]any) (Request, Severity) {
	policy := b.Policy(op)
	severity := policy.Evaluate(value)
	if !severity.NeedsApproval() {
		d := b.decideByPolicy(op, severity, value, reqContext)
		return Request{ID: d.RequestID, Operation: op, Severity: severity, Value: value, Context: reqContext}, severity
	}
	p := b.enqueue(policy, severity, value, reqContext)
	return p.req, severity
}

// Decide resolves a pending request on behalf of a human.
func (b *Broker) Decide(id string, approved bool, reason string) error {
	if !b.resolve(id, approved, DecidedByHuman, reason) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return nil
}

// Sweep resolves every pending request whose grace period or timeout has
// passed and returns how many it resolved.
func (b *Broker) Sweep() int {
	now := b.clock.Now()

	b.mu.Lock()
	var autos, expired []string
	for id, p := range b.pending {
		switch {
		case p.req.AutoApproveAfter > 0 && !now.Before(p.req.CreatedAt.Add(p.req.AutoApproveAfter)):
			autos = append(autos, id)
		case !now.Before(p.req.Deadline()):
			expired = append(expired, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range autos {
		if b.resolve(id, true, DecidedByAutoApprove, "auto-approved after grace period") {
			n++
		}
	}
	for _, id := range expired {
		if b.resolve(id, b.cfg.FailOpen, DecidedByTimeout, b.timeoutReason()) {
			n++
		}
	}
	return n
}

// Run sweeps expired requests until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Pending returns queued requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns resolved requests in decision order.
func (b *Broker) History() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Broker) enqueue(policy Policy, severity Severity, value float64, reqContext map[string]any) *pending {
	req := Request{
		ID:               uuid.NewString(),
		Operation:        policy.Operation,
		Severity:         severity,
		Value:            value,
		Context:          reqContext,
		CreatedAt:        b.clock.Now(),
		Timeout:          policy.Timeout,
		AutoApproveAfter: policy.AutoApproveAfter,
	}
	p := &pending{req: req, done: make(chan Decision, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	log := b.logger.Warn
	if severity == SeverityEmergency {
		log = b.logger.Error
	}
	log("oversight approval requested",
		zap.String("request_id", req.ID),
		zap.String("operation", string(req.Operation)),
		zap.Stringer("severity", severity),
		zap.Float64("value", value),
		zap.Duration("timeout", req.Timeout))

	select {
	case b.requests <- req:
	default:
		b.logger.Debug("oversight request channel full", zap.String("request_id", req.ID))
	}
	return p
}

// resolve records the first decision for id. Later calls return false.
func (b *Broker) resolve(id string, approved bool, by DecidedBy, reason string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	d := Decision{RequestID: id, Approved: approved, DecidedBy: by, Reason: reason, DecidedAt: b.clock.Now()}
	p.done <- d
	b.appendLocked(Record{Request: p.req, Decision: d})
	b.mu.Unlock()

	b.observe(p.req.Operation, d)
	b.logger.Info("oversight request resolved",
		zap.String("request_id", id),
		zap.String("operation", string(p.req.Operation)),
		zap.Bool("approved", approved),
		zap.String("decided_by", string(by)),
		zap.String("reason", reason))
	return true
}

func (b *Broker) decideByPolicy(op Operation, severity Severity, value float64, reqContext map[string]any) Decision {
	reason := "below warning threshold"
	if severity == SeverityWarning {
		reason = "warning threshold reached, approved by policy"
		b.logger.Warn("oversight warning",
			zap.String("operation", string(op)),
			zap.Float64("value", value))
	}
	now := b.clock.Now()
	d := Decision{RequestID: uuid.NewString(), Approved: true, DecidedBy: DecidedByPolicy, Reason: reason, DecidedAt: now}

	if severity == SeverityWarning {
		b.mu.Lock()
		b.appendLocked(Record{
			Request:  Request{ID: d.RequestID, Operation: op, Severity: severity, Value: value, Context: reqContext, CreatedAt: now},
			Decision: d,
		})
		b.mu.Unlock()
	}
	b.observe(op, d)
	return d
}

func (b *Broker) appendLocked(r Record) {
	b.history = append(b.history, r)
	if len(b.history) > b.cfg.HistoryLimit {
		b.history = b.history[len(b.history)-b.cfg.HistoryLimit:]
	}
}

func (b *Broker) observe(op Operation, d Decision) {
	if b.metrics == nil {
		return
	}
	b.metrics.OversightDecisions.WithLabelValues(string(op), string(d.DecidedBy), strconv.FormatBool(d.Approved)).Inc()
}

func (b *Broker) timeoutReason() string {
	if b.cfg.FailOpen {
		return "no decision before timeout, approved (fail-open)"
	}
	return "no decision before timeout, denied (fail-closed)"
}
