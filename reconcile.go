// This package provides a high-level interface to the reconciliation pipeline. Decrypted envelopes and
// return receipts are submitted here; the pipeline applies them to the local store, holds back those whose
// contact or group is not known yet and tells the transport what to do with each one.
package reconcile

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/continuous"
	"github.com/meow-io/go-reconcile/deferral"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/internal/db"
	"github.com/meow-io/go-reconcile/metrics"
	"github.com/meow-io/go-reconcile/receipt"
	"github.com/meow-io/go-reconcile/router"
	"github.com/meow-io/go-reconcile/saga"
	"github.com/meow-io/go-reconcile/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Constants for pipeline state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of the pipeline.
type AppState struct {
	State int
}

// Engine is the transport side of the pipeline. It learns the fate of every envelope and receipt it handed
// over.
type Engine interface {
	router.Engine
	ForgetReceipt(ctx context.Context, enc *receipt.Encrypted)
}

// receipts are decrypted with the keys recorded for our own sent messages, the engine only forgets them
type receiptEngine struct {
	*receipt.KeyringDecryptor
	engine Engine
}

func (e *receiptEngine) ForgetReceipt(ctx context.Context, enc *receipt.Encrypted) {
	e.engine.ForgetReceipt(ctx, enc)
}

type Pipeline struct {
	DB             *db.Database
	config         *config.Config
	log            *zap.SugaredLogger
	state          int
	clock          clock.Clock
	engine         Engine
	store          *store.Store
	metrics        *metrics.Metrics
	deferred       *deferral.Store
	executor       *saga.Executor
	limiter        *continuous.Limiter
	nonces         *receipt.LocalNonces
	receipts       *receipt.Processor
	receiptUpdates chan interface{}
	router         *router.Router
	updates        chan interface{}
	cancelFunc     context.CancelFunc
	finished       sync.WaitGroup
}

// Create a pipeline instance
func NewPipeline(c *config.Config, e Engine) (*Pipeline, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making pipeline, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Pipeline{
		DB:      d,
		config:  c,
		log:     log,
		state:   state,
		clock:   clock.NewSystemClock(),
		engine:  e,
		nonces:  receipt.NewLocalNonces(),
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (p *Pipeline) NewKey(password string) ([]byte, error) {
	return newKey(password, p.config.RootDir, "salt")
}

// Gets various updates which must be dealt with.
// This will produce *AppState, *router.MessageReceived, *router.SignalingReceived, *router.SettingsQueried,
// *router.EnvelopeEvicted or *receipt.ReceiptDiscarded
func (p *Pipeline) Updates() chan interface{} {
	return p.updates
}

func (p *Pipeline) New() bool {
	return p.state == StateNew
}

func (p *Pipeline) Initialized() bool {
	return p.state == StateInitialized
}

func (p *Pipeline) Running() bool {
	return p.state == StateRunning
}

// Initialize the pipeline with a given key.
func (p *Pipeline) Initialize(key []byte) error {
	if p.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := p.DB.Initialize(key); err != nil {
		return err
	}
	p.setState(StateInitialized)
	return p.Open(key)
}

// Open an existing pipeline with a given key.
func (p *Pipeline) Open(key []byte) error {
	if p.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := p.DB.Open(key); err != nil {
		return err
	}

	if err := p.DB.Lock("initializing subsystems", func() error {
		s, err := store.NewStore(p.config, p.DB, p.clock)
		if err != nil {
			return err
		}
		p.store = s
		p.metrics = metrics.New(p.config.MetricsNamespace)
		p.deferred = deferral.NewStore(p.config, p.clock, s)
		p.executor = saga.NewExecutor(p.config, p.clock)
		p.executor.SetObserver(p.metrics)
		p.limiter = continuous.NewLimiter(p.config, p.clock, p.metrics)
		p.receiptUpdates = make(chan interface{}, 100)
		p.receipts = receipt.NewProcessor(p.config, &receiptEngine{&receipt.KeyringDecryptor{Keys: s}, p.engine}, s, p.executor, p.nonces, p.metrics, p.receiptUpdates)
		p.router = router.NewRouter(p.config, p.clock, s, p.engine, p.deferred, p.executor, p.limiter, p.metrics)
		return nil
	}); err != nil {
		return err
	}

	n, err := p.deferred.Load()
	if err != nil {
		return err
	}
	p.log.Debugf("restored %d deferred envelopes", n)

	ctx, cancelFunc := context.WithCancel(context.Background())
	p.cancelFunc = cancelFunc
	p.executor.Start()
	p.router.Start()
	p.setState(StateRunning)
	p.startReplaying(ctx)
	p.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop a running pipeline. Envelopes still deferred stay journalled for the next Open.
func (p *Pipeline) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	p.cancelFunc()
	p.finished.Wait()
	p.router.Shutdown()
	p.executor.Shutdown()

	if err := p.DB.Shutdown(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	p.cancelFunc = nil
	p.router = nil
	p.receipts = nil
	p.executor = nil
	p.store = nil

	p.setState(StateInitialized)

	close(p.updates)
	p.updates = make(chan interface{}, 100)
	return nil
}

// Submit applies one envelope and returns what the transport should do with it.
func (p *Pipeline) Submit(ctx context.Context, env *envelope.Envelope) (envelope.Instruction, error) {
	if err := p.running(); err != nil {
		return envelope.Wait(), err
	}
	return p.router.Route(ctx, env)
}

// SubmitBatch applies envs concurrently. Instructions come back in input order.
func (p *Pipeline) SubmitBatch(ctx context.Context, envs []*envelope.Envelope) ([]envelope.Instruction, error) {
	if err := p.running(); err != nil {
		return nil, err
	}
	return p.router.SubmitBatch(ctx, envs)
}

// SubmitReceipt applies a return receipt for one of our sent messages.
func (p *Pipeline) SubmitReceipt(ctx context.Context, enc *receipt.Encrypted) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.receipts.Process(ctx, enc)
}

// OnDependencySatisfied replays everything waiting on key. Contacts and groups added through the pipeline
// do this on their own; this is for dependencies learnt about some other way.
func (p *Pipeline) OnDependencySatisfied(ctx context.Context, key envelope.DependencyKey) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.router.OnDependencySatisfied(ctx, key)
}

func (p *Pipeline) AddContact(owned, contact ids.ID, oneToOne bool) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.store.AddContact(owned, contact, oneToOne)
}

func (p *Pipeline) PromoteContact(owned, contact ids.ID) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.store.PromoteContact(owned, contact)
}

func (p *Pipeline) AddGroup(owned, group ids.ID) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.store.AddGroup(owned, group)
}

func (p *Pipeline) AddGroupMember(owned, group, member ids.ID) error {
	if err := p.running(); err != nil {
		return err
	}
	return p.store.AddGroupMember(owned, group, member)
}

// RecordSentMessage stores a message about to be sent and returns the return receipt elements to send
// along with it. Receipts for it are prioritized over receipts for messages sent from other devices.
func (p *Pipeline) RecordSentMessage(owned ids.ID, target envelope.Target, body string, recipients []ids.ID) (int64, *envelope.ReturnReceiptElements, error) {
	if err := p.running(); err != nil {
		return 0, nil, err
	}
	rr := &envelope.ReturnReceiptElements{Nonce: make([]byte, 16), Key: make([]byte, 32)}
	if _, err := crypto_rand.Read(rr.Nonce); err != nil {
		return 0, nil, err
	}
	if _, err := crypto_rand.Read(rr.Key); err != nil {
		return 0, nil, err
	}
	id, err := p.store.RecordSentMessage(owned, target, body, recipients, rr.Nonce, rr.Key)
	if err != nil {
		return 0, nil, err
	}
	p.nonces.Add(rr.Nonce)
	return id, rr, nil
}

// The store, for reading back what was applied.
func (p *Pipeline) Store() *store.Store {
	return p.store
}

func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// MetricsHandler serves the pipeline's metrics in the prometheus exposition format.
func (p *Pipeline) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.metrics.Registry(), promhttp.HandlerOpts{})
}

func (p *Pipeline) running() error {
	if p.state != StateRunning {
		return errors.New("pipeline is not running")
	}
	return nil
}

// startReplaying routes deferred envelopes again as the store reports their dependencies arriving. Restored
// envelopes whose dependency arrived while the pipeline was down are replayed first.
func (p *Pipeline) startReplaying(ctx context.Context) {
	events := p.store.Events()
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		if err := p.router.ReplayPresent(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("error replaying restored envelopes: %v", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				var err error
				switch v := e.(type) {
				case *store.DependencySatisfied:
					err = p.router.OnDependencySatisfied(ctx, v.Key)
				case *store.GroupMembersChanged:
					err = p.router.OnGroupMembersChanged(ctx, v.Owned, v.Group)
				default:
					p.log.Infof("Unhandled store event %#v", e)
				}
				if err != nil && ctx.Err() == nil {
					p.log.Warnf("error replaying after %#v: %v", e, err)
				}
			}
		}
	}()
}

func (p *Pipeline) startUpdatePassing(ctx context.Context) {
	routerUpdates, receiptUpdates := p.router.Updates(), p.receiptUpdates
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-routerUpdates:
				p.log.Debugf("passing update: router %#v", e)
				p.pass(ctx, e)
			case e := <-receiptUpdates:
				p.log.Debugf("passing update: receipt %#v", e)
				p.pass(ctx, e)
			}
		}
	}()
}

func (p *Pipeline) pass(ctx context.Context, e interface{}) {
	select {
	case p.updates <- e:
	case <-ctx.Done():
	}
}

func (p *Pipeline) setState(state int) {
	p.state = state
	p.updates <- &AppState{state}
}
