package sequencer

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Usman6360/signup-sequencer/prover"
	"github.com/Usman6360/signup-sequencer/utils"
)

func testSequencer(t *testing.T, dir string) (*Sequencer, <-chan error) {
	t.Helper()
	registry, err := prover.NewRegistry([]prover.Config{
		{BatchSize: 10, URL: "http://prover.local/prove"},
	})
	require.NoError(t, err)

	seq, err := Open(dir, registry, Options{
		TreeDepth: 16,
		Logger:    utils.NewDefaultLogger(slog.LevelWarn),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- seq.Run(context.Background())
	}()
	return seq, done
}

func TestSequencerSubmit(t *testing.T) {
	seq, done := testSequencer(t, t.TempDir())

	ctx := context.Background()
	ch, err := seq.Submit(ctx, testHash(1))
	require.NoError(t, err)

	out := awaitOutcome(t, ch)
	require.False(t, out.Duplicate)
	require.NotNil(t, out.Proof)

	root, err := seq.LatestRoot()
	require.NoError(t, err)
	assert.Equal(t, out.Proof.Root, root)

	require.NoError(t, seq.Close())
	require.NoError(t, <-done)
}

func TestSequencerInFlightDuplicate(t *testing.T) {
	seq, done := testSequencer(t, t.TempDir())
	ctx := context.Background()

	// Two submissions of one identity racing: at most one is admitted.
	first, err := seq.Submit(ctx, testHash(1))
	require.NoError(t, err)
	second, err := seq.Submit(ctx, testHash(1))
	require.NoError(t, err)

	a := awaitOutcome(t, first)
	b := awaitOutcome(t, second)
	assert.NotEqual(t, a.Duplicate, b.Duplicate,
		"exactly one of the two is admitted")

	require.NoError(t, seq.Close())
	require.NoError(t, <-done)
}

func TestSequencerInclusionProof(t *testing.T) {
	seq, done := testSequencer(t, t.TempDir())
	ctx := context.Background()

	awaitOutcome(t, mustSubmit(t, seq, ctx, testHash(1)))
	awaitOutcome(t, mustSubmit(t, seq, ctx, testHash(2)))

	proof, err := seq.InclusionProof(testHash(1))
	require.NoError(t, err)
	require.NotNil(t, proof)

	root, err := seq.LatestRoot()
	require.NoError(t, err)
	assert.Equal(t, root, proof.Root)
	assert.True(t, VerifyProof(testHash(1), proof.Proof, proof.Root))

	unknown, err := seq.InclusionProof(testHash(9))
	require.NoError(t, err)
	assert.Nil(t, unknown)

	require.NoError(t, seq.Close())
	require.NoError(t, <-done)
}

func mustSubmit(t *testing.T, seq *Sequencer, ctx context.Context, identity Hash) <-chan InsertOutcome {
	t.Helper()
	ch, err := seq.Submit(ctx, identity)
	require.NoError(t, err)
	return ch
}

func TestSequencerRestoresTree(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	seq, done := testSequencer(t, dir)
	awaitOutcome(t, mustSubmit(t, seq, ctx, testHash(1)))
	awaitOutcome(t, mustSubmit(t, seq, ctx, testHash(2)))
	rootBefore, err := seq.LatestRoot()
	require.NoError(t, err)
	require.NoError(t, seq.Close())
	require.NoError(t, <-done)

	seq, done = testSequencer(t, dir)
	rootAfter, err := seq.LatestRoot()
	require.NoError(t, err)
	assert.Equal(t, rootBefore, rootAfter, "tree is rebuilt from the store")

	// And the restored identity is still a duplicate.
	out := awaitOutcome(t, mustSubmit(t, seq, ctx, testHash(1)))
	assert.True(t, out.Duplicate)

	require.NoError(t, seq.Close())
	require.NoError(t, <-done)
}

func TestSequencerClose(t *testing.T) {
	seq, done := testSequencer(t, t.TempDir())

	require.NoError(t, seq.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on close")
	}

	assert.ErrorIs(t, seq.Close(), ErrSequencerClosed)

	_, err := seq.Submit(context.Background(), testHash(1))
	assert.ErrorIs(t, err, ErrSequencerClosed)
}
