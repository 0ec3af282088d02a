// This package processes return receipts: peers acknowledging delivery or reading of messages this device sent.
// Computing what a receipt changes and applying that change happen within one exclusive turn, so receipts for
// the same message always apply as if one after the other.
package receipt

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/metrics"
	"github.com/meow-io/go-reconcile/saga"
	"go.uber.org/zap"
)

type Status int

const (
	StatusDelivered Status = iota + 1
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type Encrypted struct {
	Nonce      []byte
	Payload    []byte
	ReceivedAt time.Time
}

type Decrypted struct {
	Nonce   []byte
	Contact ids.ID
	Device  ids.ID
	Status  Status
	// set when the receipt is about a single attachment of the message
	Attachment *int
}

// Hints describe what applying a receipt changes: the recipient rows of every message sent with its nonce.
type Hints struct {
	Receipt  *Decrypted
	Messages []int64
}

type Engine interface {
	DecryptReceipt(ctx context.Context, enc *Encrypted) (*Decrypted, error)
	ForgetReceipt(ctx context.Context, enc *Encrypted)
}

type Store interface {
	// ComputeHints returns nil when the receipt changes nothing.
	ComputeHints(ctx context.Context, d *Decrypted) (*Hints, error)
	ApplyHints(ctx context.Context, h *Hints) error
}

// ReceiptDiscarded is published when a receipt could not be applied within the attempt bound.
type ReceiptDiscarded struct {
	Nonce    []byte
	Attempts int
	Reason   error
}

// LocalNonces tracks nonces generated by this device's own sends. Receipts carrying one are applied first.
type LocalNonces struct {
	lock   sync.Mutex
	nonces map[string]struct{}
}

func NewLocalNonces() *LocalNonces {
	return &LocalNonces{nonces: make(map[string]struct{})}
}

func (l *LocalNonces) Add(nonce []byte) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.nonces[string(nonce)] = struct{}{}
}

// take removes nonce, reporting whether it was present.
func (l *LocalNonces) take(nonce []byte) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.nonces[string(nonce)]
	delete(l.nonces, string(nonce))
	return ok
}

type Processor struct {
	log         *zap.SugaredLogger
	engine      Engine
	store       Store
	scheduler   *Scheduler
	executor    *saga.Executor
	nonces      *LocalNonces
	metrics     *metrics.Metrics
	maxAttempts int
	updates     chan<- interface{}
}

func NewProcessor(c *config.Config, e Engine, s Store, ex *saga.Executor, nonces *LocalNonces, m *metrics.Metrics, updates chan<- interface{}) *Processor {
	return &Processor{
		log:         c.Logger("receipt"),
		engine:      e,
		store:       s,
		scheduler:   NewScheduler(),
		executor:    ex,
		nonces:      nonces,
		metrics:     m,
		maxAttempts: c.ReceiptMaxAttempts,
		updates:     updates,
	}
}

// Process decrypts and applies a receipt, retrying the whole turn when applying fails. The engine is told to
// forget the receipt in every case except a done context.
func (p *Processor) Process(ctx context.Context, enc *Encrypted) error {
	nonce := hex.EncodeToString(enc.Nonce)
	dec, err := p.engine.DecryptReceipt(ctx, enc)
	if err != nil || dec == nil {
		if err != nil {
			p.log.Warnf("dropping undecryptable receipt %s: %v", nonce, err)
		} else {
			p.log.Debugf("receipt %s is not for us", nonce)
		}
		p.metrics.RecordReceipt("undecryptable", 0)
		p.engine.ForgetReceipt(ctx, enc)
		return nil
	}

	priority := saga.PriorityNormal
	if p.nonces.take(enc.Nonce) {
		priority = saga.PriorityUserInitiated
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		applied, err := Exclusive(ctx, p.scheduler, func(ctx context.Context) (bool, error) {
			return p.attempt(ctx, dec, priority)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			result := "applied"
			if !applied {
				result = "noop"
			}
			p.log.Debugf("receipt %s %s after %d attempts", nonce, result, attempt)
			p.metrics.RecordReceipt(result, attempt)
			p.engine.ForgetReceipt(ctx, enc)
			return nil
		}
		lastErr = err
		p.log.Debugf("attempt %d for receipt %s failed: %v", attempt, nonce, err)
	}

	p.log.Warnf("discarding receipt %s after %d attempts: %v", nonce, p.maxAttempts, lastErr)
	p.metrics.RecordReceipt("discarded", p.maxAttempts)
	p.publish(&ReceiptDiscarded{Nonce: enc.Nonce, Attempts: p.maxAttempts, Reason: lastErr})
	p.engine.ForgetReceipt(ctx, enc)
	return nil
}

func (p *Processor) attempt(ctx context.Context, dec *Decrypted, priority saga.Priority) (bool, error) {
	hints, err := p.store.ComputeHints(ctx, dec)
	if err != nil {
		return false, err
	}
	if hints == nil || len(hints.Messages) == 0 {
		return false, nil
	}
	entities := make([]string, len(hints.Messages))
	for i, id := range hints.Messages {
		entities[i] = fmt.Sprintf("message:%d", id)
	}
	r, err := p.executor.Run(ctx, &saga.Saga{
		Label:    "apply receipt hints",
		Priority: priority,
		Entities: entities,
		Steps: []saga.Step{{
			Label: "apply hints",
			Run: func(ctx context.Context) error {
				return p.store.ApplyHints(ctx, hints)
			},
		}},
	})
	if err != nil {
		return false, err
	}
	return true, r.Err()
}

func (p *Processor) publish(u interface{}) {
	if p.updates == nil {
		return
	}
	select {
	case p.updates <- u:
	default:
		p.log.Warnf("update channel full, dropping %T", u)
	}
}
