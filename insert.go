package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Usman6360/signup-sequencer/stagedlock"
	"github.com/Usman6360/signup-sequencer/utils"
)

// Status of an admitted identity. Identities enter as pending and are
// finalized by the downstream processing task once a prover has run.
type Status string

const StatusPending Status = "pending"

// InclusionProof is the answer an admitted insert request gets: the
// batch-relative root and the proof of the new leaf under it.
type InclusionProof struct {
	Status Status      `json:"status"`
	Root   Hash        `json:"root"`
	Proof  MerkleProof `json:"proof"`
}

// InsertOutcome is delivered exactly once per accepted request. Either
// the identity was a duplicate (no tree or store mutation happened),
// the identity was admitted and Proof is set, or the insertion cycle
// failed before the identity was inserted and Err carries the cause.
type InsertOutcome struct {
	Duplicate bool
	Proof     *InclusionProof
	Err       error
}

// InsertRequest travels from a producer to the insertion pipeline. The
// completion channel must have capacity for one outcome; it is consumed
// exactly once.
type InsertRequest struct {
	Identity   Hash
	OnComplete chan<- InsertOutcome
}

// deliver sends the outcome without ever blocking the pipeline.
func (r InsertRequest) deliver(out InsertOutcome) bool {
	select {
	case r.OnComplete <- out:
		return true
	default:
		return false
	}
}

// InsertionPipeline is the single consumer of the insertion request
// channel. Exactly one Run owns the receiving end at a time, which makes
// it the sole writer of the tree/store pair.
type InsertionPipeline struct {
	log       utils.Logger
	store     *Store
	tree      *stagedlock.Lock[TreeVersion]
	requests  <-chan InsertRequest
	recvToken chan struct{}
	wakeUp    *utils.Notify

	// onDone, if set, is called once per request after its outcome has
	// been delivered.
	onDone func(Hash)
}

func NewInsertionPipeline(
	log utils.Logger,
	store *Store,
	tree *stagedlock.Lock[TreeVersion],
	requests <-chan InsertRequest,
	wakeUp *utils.Notify,
) *InsertionPipeline {
	return &InsertionPipeline{
		log:       log,
		store:     store,
		tree:      tree,
		requests:  requests,
		recvToken: make(chan struct{}, 1),
		wakeUp:    wakeUp,
	}
}

// Run processes batches until the request channel is closed (the normal
// shutdown signal, returns nil) or a store or lock error propagates out.
// Requests drained into a failing cycle are answered with the error. The
// receiver token is held for the lifetime of the call, so concurrent
// Runs on one pipeline cannot interleave.
func (p *InsertionPipeline) Run(ctx context.Context) error {
	select {
	case p.recvToken <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.recvToken }()

	for {
		var first InsertRequest
		var ok bool
		select {
		case first, ok = <-p.requests:
			if !ok {
				p.log.Warn("identity channel closed, terminating")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		// Take everything already queued, without waiting for more.
		batch := []InsertRequest{first}
	drain:
		for {
			select {
			case req, more := <-p.requests:
				if !more {
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}

		if err := p.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (p *InsertionPipeline) processBatch(ctx context.Context, batch []InsertRequest) (err error) {
	ctx = utils.WithDefaultArgs(ctx, "batch", uuid.NewString())
	start := time.Now()
	InsertionBatches.Inc()
	InsertionBatchSize.Observe(float64(len(batch)))

	// Every drained request is answered exactly once. When the cycle
	// aborts midway, the requests not yet answered get the error so
	// their producers do not wait on the outcome forever.
	finished := make([]bool, len(batch))
	defer func() {
		if err == nil {
			return
		}
		for i, req := range batch {
			if finished[i] {
				continue
			}
			if !req.deliver(InsertOutcome{Err: err}) {
				p.log.WarnCtx(ctx, "completion channel was gone before failure was reported",
					"identity", req.Identity)
			}
			p.released(req.Identity)
		}
	}()

	// Within one batch the first occurrence of an identity wins, any
	// later one is answered without touching the tree or the store.
	seen := make(map[Hash]struct{}, len(batch))
	deduped := make([]int, 0, len(batch))
	for i, req := range batch {
		if _, dup := seen[req.Identity]; dup {
			p.completeDuplicate(ctx, req, "batch")
			finished[i] = true
			continue
		}
		seen[req.Identity] = struct{}{}
		deduped = append(deduped, i)
	}

	// Identities already in the store are duplicates too.
	admitted := make([]int, 0, len(deduped))
	for _, i := range deduped {
		req := batch[i]
		_, exists, err := p.store.IdentityLeafIndex(req.Identity)
		if err != nil {
			return fmt.Errorf("look up identity %s: %w", req.Identity, err)
		}
		if exists {
			p.completeDuplicate(ctx, req, "store")
			finished[i] = true
			continue
		}
		admitted = append(admitted, i)
	}

	nextDBIndex, err := p.store.NextLeafIndex()
	if err != nil {
		return fmt.Errorf("next leaf index: %w", err)
	}

	pg, err := p.tree.Progress()
	if err != nil {
		return fmt.Errorf("acquire tree for insertion: %w", err)
	}
	nextLeaf := pg.Value().NextLeaf()

	if nextLeaf != nextDBIndex {
		panic(fmt.Sprintf(
			"database and tree are out of sync, next leaf index in tree: %d, in database: %d",
			nextLeaf, nextDBIndex,
		))
	}

	identities := make([]Hash, 0, len(admitted))
	for _, i := range admitted {
		identities = append(identities, batch[i].Identity)
	}

	wg, err := pg.UpgradeToWrite()
	if err != nil {
		return fmt.Errorf("upgrade tree lock for append: %w", err)
	}
	results := (*wg.Value()).AppendMany(identities)
	wg.Release()

	if len(results) != len(identities) {
		panic(fmt.Sprintf(
			"length mismatch appending identities to tree: %d results for %d identities",
			len(results), len(identities),
		))
	}

	for j, res := range results {
		i := admitted[j]
		req := batch[i]
		if err := p.store.InsertPendingIdentity(res.LeafIndex, req.Identity, res.Root); err != nil {
			return err
		}
		out := InsertOutcome{Proof: &InclusionProof{
			Status: StatusPending,
			Root:   res.Root,
			Proof:  res.Proof,
		}}
		if !req.deliver(out) {
			p.log.ErrorCtx(ctx, "completion channel was gone before identity was inserted",
				"identity", req.Identity)
		}
		p.released(req.Identity)
		finished[i] = true
		TreeLeaves.Set(float64(res.LeafIndex + 1))
	}

	InsertionDuration.Observe(time.Since(start).Seconds())
	p.log.DebugCtx(ctx, "insertion batch done",
		"size", len(batch), "admitted", len(admitted), "took", time.Since(start))

	// Wake the processing task, there are new pending identities.
	p.wakeUp.Signal()
	return nil
}

func (p *InsertionPipeline) completeDuplicate(ctx context.Context, req InsertRequest, reason string) {
	InsertionDuplicates.WithLabelValues(reason).Inc()
	if !req.deliver(InsertOutcome{Duplicate: true}) {
		p.log.WarnCtx(ctx, "completion channel was gone before duplicate was reported",
			"identity", req.Identity)
	}
	p.released(req.Identity)
}

func (p *InsertionPipeline) released(identity Hash) {
	if p.onDone != nil {
		p.onDone(identity)
	}
}
