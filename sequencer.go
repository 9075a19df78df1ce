// Package sequencer sequences untrusted identity-commitment insertions
// into one append-only merkle tree shared between an in-memory tree and
// a persistent store, and routes completed batches to batch-size-indexed
// provers.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Usman6360/signup-sequencer/prover"
	"github.com/Usman6360/signup-sequencer/stagedlock"
	"github.com/Usman6360/signup-sequencer/utils"
)

var ErrSequencerClosed = errors.New("sequencer is closed")

type Options struct {
	// TreeDepth is the fixed merkle tree depth.
	TreeDepth int
	// LockTimeout bounds every staged-lock acquisition on the tree.
	LockTimeout time.Duration
	// QueueLimit is the capacity of the insertion request channel.
	QueueLimit int
	Logger     utils.Logger
}

func (o *Options) SetDefaults() {
	if o.TreeDepth == 0 {
		o.TreeDepth = 30
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 2 * time.Minute
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 4096
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Sequencer owns the store, the staged-locked latest tree, the request
// channel and the prover registry.
type Sequencer struct {
	log      utils.Logger
	store    *Store
	tree     *stagedlock.Lock[TreeVersion]
	provers  *prover.Registry
	requests chan InsertRequest
	pipeline *InsertionPipeline
	wakeUp   *utils.Notify

	// Identities queued but not yet answered; lets Submit reject a
	// duplicate without waiting for a batch cycle.
	inFlight *xsync.MapOf[Hash, struct{}]

	// mu orders Submit sends against Close closing the channel.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Open loads the store at dir, rebuilds the latest tree from the
// persisted records and wires the insertion pipeline.
func Open(dir string, provers *prover.Registry, opts Options) (*Sequencer, error) {
	opts.SetDefaults()
	log := opts.Logger

	store, err := OpenStore(dir, log)
	if err != nil {
		return nil, err
	}

	tree := NewMemTree(opts.TreeDepth)
	restored := 0
	err = store.ScanPending(func(leafIndex uint64, identity, _ Hash) error {
		leaf := tree.append(identity)
		if leaf != leafIndex {
			panic("database and tree are out of sync, pending records are not dense")
		}
		restored++
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	next, err := store.NextLeafIndex()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if tree.NextLeaf() != next {
		panic("database and tree are out of sync after restore")
	}
	if restored > 0 {
		log.Info("restored tree from store", "leaves", restored, "root", tree.Root())
	}
	TreeLeaves.Set(float64(tree.NextLeaf()))

	lock := stagedlock.New[TreeVersion](opts.LockTimeout, tree)
	requests := make(chan InsertRequest, opts.QueueLimit)
	wakeUp := utils.NewNotify()

	s := &Sequencer{
		log:      log,
		store:    store,
		tree:     lock,
		provers:  provers,
		requests: requests,
		wakeUp:   wakeUp,
		inFlight: xsync.NewMapOf[Hash, struct{}](),
		done:     make(chan struct{}),
	}
	s.pipeline = NewInsertionPipeline(log, store, lock, requests, wakeUp)
	s.pipeline.onDone = func(identity Hash) {
		s.inFlight.Delete(identity)
	}
	return s, nil
}

// Run drives the insertion pipeline. It returns when Close is called
// (nil) or when a store error terminates the task.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	return s.pipeline.Run(ctx)
}

// Submit queues an identity for insertion and returns the channel its
// single outcome arrives on. An identity already queued is answered as
// a duplicate right away.
func (s *Sequencer) Submit(ctx context.Context, identity Hash) (<-chan InsertOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSequencerClosed
	}
	outcome := make(chan InsertOutcome, 1)
	if _, loaded := s.inFlight.LoadOrStore(identity, struct{}{}); loaded {
		InsertionDuplicates.WithLabelValues("in_flight").Inc()
		outcome <- InsertOutcome{Duplicate: true}
		return outcome, nil
	}
	select {
	case s.requests <- InsertRequest{Identity: identity, OnComplete: outcome}:
		return outcome, nil
	case <-ctx.Done():
		s.inFlight.Delete(identity)
		return nil, ctx.Err()
	}
}

// LatestRoot reads the current tree root under the read stage.
func (s *Sequencer) LatestRoot() (Hash, error) {
	g, err := s.tree.Read()
	if err != nil {
		return Hash{}, err
	}
	defer g.Release()
	return g.Value().Root(), nil
}

// InclusionProof serves the proof of an already inserted identity under
// the current root, or nil if the identity is unknown.
func (s *Sequencer) InclusionProof(identity Hash) (*InclusionProof, error) {
	leaf, ok, err := s.store.IdentityLeafIndex(identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	g, err := s.tree.Read()
	if err != nil {
		return nil, err
	}
	defer g.Release()
	proof, err := g.Value().ProofAt(leaf)
	if err != nil {
		return nil, err
	}
	return &InclusionProof{Status: StatusPending, Root: g.Value().Root(), Proof: proof}, nil
}

// Store returns the persistent store.
func (s *Sequencer) Store() *Store {
	return s.store
}

// Provers returns the prover registry.
func (s *Sequencer) Provers() *prover.Registry {
	return s.provers
}

// WakeUp is signalled once per completed insertion batch. The
// downstream processing task waits on it.
func (s *Sequencer) WakeUp() *utils.Notify {
	return s.wakeUp
}

// Close stops accepting submissions, closes the request channel (the
// pipeline's shutdown signal), waits for the running pipeline to finish
// the batch in hand and closes the store. Run must have been started.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSequencerClosed
	}
	s.closed = true
	close(s.requests)
	s.mu.Unlock()
	<-s.done
	return s.store.Close()
}
