package sequencer

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Usman6360/signup-sequencer/stagedlock"
	"github.com/Usman6360/signup-sequencer/utils"
)

type pipelineFixture struct {
	pipeline *InsertionPipeline
	requests chan InsertRequest
	store    *Store
	tree     *stagedlock.Lock[TreeVersion]
	wakeUp   *utils.Notify
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelWarn)
	store, err := OpenStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tree := stagedlock.New[TreeVersion](time.Second, TreeVersion(NewMemTree(16)))
	requests := make(chan InsertRequest, 64)
	wakeUp := utils.NewNotify()

	return &pipelineFixture{
		pipeline: NewInsertionPipeline(log, store, tree, requests, wakeUp),
		requests: requests,
		store:    store,
		tree:     tree,
		wakeUp:   wakeUp,
	}
}

func (f *pipelineFixture) start(t *testing.T) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- f.pipeline.Run(context.Background())
	}()
	return done
}

func submit(f *pipelineFixture, identity Hash) <-chan InsertOutcome {
	outcome := make(chan InsertOutcome, 1)
	f.requests <- InsertRequest{Identity: identity, OnComplete: outcome}
	return outcome
}

func awaitOutcome(t *testing.T, ch <-chan InsertOutcome) InsertOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return InsertOutcome{}
	}
}

func TestPipelineTerminatesOnChannelClose(t *testing.T) {
	f := newPipelineFixture(t)
	done := f.start(t)

	close(f.requests)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not terminate")
	}
}

func TestPipelineAdmitsDistinctIdentities(t *testing.T) {
	f := newPipelineFixture(t)

	// Queue everything before starting so it drains as one batch.
	identities := []Hash{testHash(1), testHash(2), testHash(3)}
	outcomes := make([]<-chan InsertOutcome, 0, len(identities))
	for _, identity := range identities {
		outcomes = append(outcomes, submit(f, identity))
	}

	done := f.start(t)

	for i, ch := range outcomes {
		out := awaitOutcome(t, ch)
		require.False(t, out.Duplicate)
		require.NotNil(t, out.Proof)
		assert.Equal(t, StatusPending, out.Proof.Status)
		assert.Equal(t, uint64(i), out.Proof.Proof.LeafIndex,
			"completion order follows arrival order")
		assert.True(t, VerifyProof(identities[i], out.Proof.Proof, out.Proof.Root))
	}

	// All three persisted.
	for i, identity := range identities {
		leaf, ok, err := f.store.IdentityLeafIndex(identity)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), leaf)
	}

	close(f.requests)
	require.NoError(t, <-done)
}

func TestPipelineIntraBatchDedup(t *testing.T) {
	f := newPipelineFixture(t)

	first := submit(f, testHash(1))
	dup1 := submit(f, testHash(1))
	other := submit(f, testHash(2))
	dup2 := submit(f, testHash(1))

	done := f.start(t)

	out := awaitOutcome(t, first)
	require.False(t, out.Duplicate, "first occurrence is admitted")

	assert.True(t, awaitOutcome(t, dup1).Duplicate)
	assert.True(t, awaitOutcome(t, dup2).Duplicate)
	assert.False(t, awaitOutcome(t, other).Duplicate)

	next, err := f.store.NextLeafIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next, "exactly one leaf per distinct identity")

	close(f.requests)
	require.NoError(t, <-done)
}

func TestPipelineCrossBatchDedup(t *testing.T) {
	f := newPipelineFixture(t)
	done := f.start(t)

	out := awaitOutcome(t, submit(f, testHash(1)))
	require.False(t, out.Duplicate)

	rootBefore := mustRoot(t, f.tree)

	out = awaitOutcome(t, submit(f, testHash(1)))
	assert.True(t, out.Duplicate)
	assert.Nil(t, out.Proof)

	assert.Equal(t, rootBefore, mustRoot(t, f.tree), "duplicate must not mutate the tree")

	close(f.requests)
	require.NoError(t, <-done)
}

func mustRoot(t *testing.T, tree *stagedlock.Lock[TreeVersion]) Hash {
	t.Helper()
	g, err := tree.Read()
	require.NoError(t, err)
	defer g.Release()
	return g.Value().Root()
}

func TestPipelineWakeUpPerBatch(t *testing.T) {
	f := newPipelineFixture(t)
	done := f.start(t)

	awaitOutcome(t, submit(f, testHash(1)))

	select {
	case <-f.wakeUp.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("no wake-up after a completed batch")
	}

	close(f.requests)
	require.NoError(t, <-done)
}

func TestPipelineSurvivesGoneCompletionChannel(t *testing.T) {
	f := newPipelineFixture(t)
	done := f.start(t)

	// No capacity and nobody reading: delivery fails, the cycle goes on.
	f.requests <- InsertRequest{Identity: testHash(1), OnComplete: make(chan InsertOutcome)}

	out := awaitOutcome(t, submit(f, testHash(2)))
	assert.False(t, out.Duplicate)

	leaf, ok, err := f.store.IdentityLeafIndex(testHash(1))
	require.NoError(t, err)
	require.True(t, ok, "the undeliverable identity was still inserted")
	assert.Equal(t, uint64(0), leaf)

	close(f.requests)
	require.NoError(t, <-done)
}

func TestPipelinePanicsOnTreeStoreDivergence(t *testing.T) {
	f := newPipelineFixture(t)

	// Grow the tree behind the store's back: tree next leaf 1, store 0.
	wg, err := f.tree.Write()
	require.NoError(t, err)
	(*wg.Value()).AppendMany([]Hash{testHash(99)})
	wg.Release()

	batch := []InsertRequest{{Identity: testHash(1), OnComplete: make(chan InsertOutcome, 1)}}
	assert.Panics(t, func() {
		_ = f.pipeline.processBatch(context.Background(), batch)
	})

	// The divergence is detected before any append is attempted.
	next, err := f.store.NextLeafIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestPipelineFailedCycleAnswersEveryRequest(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelWarn)
	store, err := OpenStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tree := stagedlock.New[TreeVersion](50*time.Millisecond, TreeVersion(NewMemTree(16)))
	p := NewInsertionPipeline(log, store, tree, make(chan InsertRequest), utils.NewNotify())

	var released []Hash
	p.onDone = func(identity Hash) { released = append(released, identity) }

	// Hold the write stage so the cycle cannot acquire the tree.
	wg, err := tree.Write()
	require.NoError(t, err)
	defer wg.Release()

	one := make(chan InsertOutcome, 1)
	two := make(chan InsertOutcome, 1)
	err = p.processBatch(context.Background(), []InsertRequest{
		{Identity: testHash(1), OnComplete: one},
		{Identity: testHash(2), OnComplete: two},
	})
	require.Error(t, err)

	// Both producers get the failure, nobody is left waiting.
	for _, ch := range []chan InsertOutcome{one, two} {
		out := awaitOutcome(t, ch)
		assert.False(t, out.Duplicate)
		assert.Nil(t, out.Proof)
		assert.ErrorContains(t, out.Err, "timeout while waiting for lock")
	}
	assert.ElementsMatch(t, []Hash{testHash(1), testHash(2)}, released,
		"failed requests must be released so a retry is not a duplicate")
}

type truncatedTree struct {
	*MemTree
}

func (t *truncatedTree) AppendMany(identities []Hash) []AppendResult {
	return t.MemTree.AppendMany(identities)[:len(identities)-1]
}

func TestPipelinePanicsOnAppendCountMismatch(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelWarn)
	store, err := OpenStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tree := stagedlock.New[TreeVersion](time.Second, TreeVersion(&truncatedTree{NewMemTree(16)}))
	p := NewInsertionPipeline(log, store, tree, make(chan InsertRequest), utils.NewNotify())

	batch := []InsertRequest{{Identity: testHash(1), OnComplete: make(chan InsertOutcome, 1)}}
	assert.PanicsWithValue(t,
		"length mismatch appending identities to tree: 0 results for 1 identities",
		func() { _ = p.processBatch(context.Background(), batch) })
}

func TestPipelineSingleConsumer(t *testing.T) {
	f := newPipelineFixture(t)

	first := f.start(t)

	// A second Run cannot take the receiver while the first holds it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.pipeline.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.requests)
	require.NoError(t, <-first)
}
