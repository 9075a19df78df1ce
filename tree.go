package sequencer

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var ErrNoSuchLeaf = errors.New("no such leaf in the tree")

// MerkleProof is the sibling path of one leaf, bottom up.
type MerkleProof struct {
	LeafIndex uint64 `json:"leaf_index"`
	Siblings  []Hash `json:"siblings"`
}

// AppendResult is what the tree returns for one appended identity: the
// root right after the append, the inclusion proof under that root and
// the assigned leaf index.
type AppendResult struct {
	Root      Hash
	Proof     MerkleProof
	LeafIndex uint64
}

// TreeVersion is the capability the pipeline consumes: the latest
// version of the append-only identity tree.
type TreeVersion interface {
	// NextLeaf returns the index the next appended identity will get.
	NextLeaf() uint64
	Root() Hash
	// AppendMany appends the identities in order as one batch and
	// returns one result per identity, in the same order.
	AppendMany(identities []Hash) []AppendResult
	// ProofAt returns the inclusion proof of an existing leaf under the
	// current root.
	ProofAt(leafIndex uint64) (MerkleProof, error)
}

// MemTree is a dense in-memory merkle tree of fixed depth. Leaves are
// the identity commitments themselves, empty slots hash as zero.
// MemTree itself is not synchronized, callers guard it with a staged
// lock.
type MemTree struct {
	depth  int
	next   uint64
	levels [][]Hash // levels[0] is leaves, levels[depth] is the root
	empty  []Hash   // empty[i] is the hash of an empty subtree of height i
}

func NewMemTree(depth int) *MemTree {
	if depth <= 0 || depth > 63 {
		panic(fmt.Sprintf("bad tree depth %d", depth))
	}
	empty := make([]Hash, depth+1)
	for i := 1; i <= depth; i++ {
		empty[i] = hashNodes(empty[i-1], empty[i-1])
	}
	return &MemTree{
		depth:  depth,
		levels: make([][]Hash, depth+1),
		empty:  empty,
	}
}

func hashNodes(left, right Hash) (out Hash) {
	h := blake3.New()
	_, _ = h.Write(left[:])
	_, _ = h.Write(right[:])
	copy(out[:], h.Sum(nil))
	return
}

func (t *MemTree) NextLeaf() uint64 {
	return t.next
}

func (t *MemTree) Capacity() uint64 {
	return 1 << t.depth
}

func (t *MemTree) Root() Hash {
	return t.node(t.depth, 0)
}

func (t *MemTree) node(level int, index uint64) Hash {
	if index < uint64(len(t.levels[level])) {
		return t.levels[level][index]
	}
	return t.empty[level]
}

func (t *MemTree) setNode(level int, index uint64, value Hash) {
	for uint64(len(t.levels[level])) <= index {
		t.levels[level] = append(t.levels[level], t.empty[level])
	}
	t.levels[level][index] = value
}

func (t *MemTree) append(identity Hash) uint64 {
	if t.next >= t.Capacity() {
		panic(fmt.Sprintf("tree is full, capacity %d", t.Capacity()))
	}
	index := t.next
	t.next++
	t.setNode(0, index, identity)
	for level := 0; level < t.depth; level++ {
		parent := index >> 1
		t.setNode(level+1, parent, hashNodes(t.node(level, index&^1), t.node(level, index|1)))
		index = parent
	}
	return t.next - 1
}

func (t *MemTree) AppendMany(identities []Hash) []AppendResult {
	results := make([]AppendResult, 0, len(identities))
	for _, identity := range identities {
		leaf := t.append(identity)
		proof, err := t.ProofAt(leaf)
		if err != nil {
			panic(fmt.Sprintf("proof for fresh leaf %d: %s", leaf, err))
		}
		results = append(results, AppendResult{
			Root:      t.Root(),
			Proof:     proof,
			LeafIndex: leaf,
		})
	}
	return results
}

func (t *MemTree) ProofAt(leafIndex uint64) (MerkleProof, error) {
	if leafIndex >= t.next {
		return MerkleProof{}, fmt.Errorf("%w: %d, next leaf is %d", ErrNoSuchLeaf, leafIndex, t.next)
	}
	siblings := make([]Hash, t.depth)
	for level := 0; level < t.depth; level++ {
		siblings[level] = t.node(level, (leafIndex>>level)^1)
	}
	return MerkleProof{LeafIndex: leafIndex, Siblings: siblings}, nil
}

// VerifyProof recomputes the root from a leaf and its sibling path.
func VerifyProof(leaf Hash, proof MerkleProof, root Hash) bool {
	acc := leaf
	index := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if index&1 == 1 {
			acc = hashNodes(sibling, acc)
		} else {
			acc = hashNodes(acc, sibling)
		}
		index >>= 1
	}
	return acc == root
}
