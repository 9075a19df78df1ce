package sequencer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Usman6360/signup-sequencer/utils"
)

var ErrBadPendingRecord = errors.New("bad pending identity record")

var writeOptions = pebble.WriteOptions{Sync: false}

const leafCacheSize = 100000

// Pebble key layout:
//
//	'C' commitment[32]      -> leaf index, big-endian uint64
//	'P' leaf index, 8 bytes -> TLV: C commitment, R root
//	'N'                     -> next leaf index, big-endian uint64
func commitmentKey(identity Hash) []byte {
	key := make([]byte, 0, 1+len(identity))
	key = append(key, 'C')
	return append(key, identity[:]...)
}

func pendingKey(leafIndex uint64) []byte {
	var key [9]byte
	key[0] = 'P'
	binary.BigEndian.PutUint64(key[1:], leafIndex)
	return key[:]
}

var nextLeafKey = []byte{'N'}

// Store persists the identity/leaf mapping and the pending records the
// proof-finalization task later picks up.
type Store struct {
	db        *pebble.DB
	log       utils.Logger
	leafCache *lru.Cache[Hash, uint64]
}

func OpenStore(dir string, log utils.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	cache, _ := lru.New[Hash, uint64](leafCacheSize)
	s := &Store{db: db, log: log, leafCache: cache}
	s.log.Debug("store opened", "dir", dir)
	return s, nil
}

// IdentityLeafIndex returns the leaf index assigned to identity, if any.
func (s *Store) IdentityLeafIndex(identity Hash) (uint64, bool, error) {
	if leaf, ok := s.leafCache.Get(identity); ok {
		return leaf, true, nil
	}
	value, closer, err := s.db.Get(commitmentKey(identity))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	leaf := binary.BigEndian.Uint64(value)
	_ = closer.Close()
	s.leafCache.Add(identity, leaf)
	return leaf, true, nil
}

// NextLeafIndex returns the index the next inserted identity will get.
func (s *Store) NextLeafIndex() (uint64, error) {
	value, closer, err := s.db.Get(nextLeafKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	next := binary.BigEndian.Uint64(value)
	_ = closer.Close()
	return next, nil
}

// InsertPendingIdentity records one appended identity: the commitment
// mapping, the pending record under its leaf index and the advanced
// next-leaf counter, all in one atomic write.
func (s *Store) InsertPendingIdentity(leafIndex uint64, identity Hash, root Hash) error {
	var leaf, next [8]byte
	binary.BigEndian.PutUint64(leaf[:], leafIndex)
	binary.BigEndian.PutUint64(next[:], leafIndex+1)

	record := toytlv.Concat(
		toytlv.Record('C', identity[:]),
		toytlv.Record('R', root[:]),
	)

	b := s.db.NewBatch()
	_ = b.Set(commitmentKey(identity), leaf[:], nil)
	_ = b.Set(pendingKey(leafIndex), record, nil)
	_ = b.Set(nextLeafKey, next[:], nil)
	if err := s.db.Apply(b, &writeOptions); err != nil {
		return fmt.Errorf("insert pending identity at leaf %d: %w", leafIndex, err)
	}
	s.leafCache.Add(identity, leafIndex)
	return nil
}

// ScanPending walks all pending records in leaf order. It is how the
// tree is rebuilt on startup and how the processing task finds work.
func (s *Store) ScanPending(fn func(leafIndex uint64, identity, root Hash) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'P'},
		UpperBound: []byte{'P' + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		leafIndex := binary.BigEndian.Uint64(iter.Key()[1:])
		identity, root, err := parsePendingRecord(iter.Value())
		if err != nil {
			s.log.Error("unreadable pending record", "leaf", leafIndex, "err", err)
			return fmt.Errorf("leaf %d: %w", leafIndex, err)
		}
		if err := fn(leafIndex, identity, root); err != nil {
			return err
		}
	}
	return iter.Error()
}

func parsePendingRecord(data []byte) (identity, root Hash, err error) {
	body, rest := toytlv.Take('C', data)
	if len(body) != len(identity) {
		return identity, root, ErrBadPendingRecord
	}
	identity = HashFromBytes(body)
	body, _ = toytlv.Take('R', rest)
	if len(body) != len(root) {
		return identity, root, ErrBadPendingRecord
	}
	root = HashFromBytes(body)
	return identity, root, nil
}

// Collector exposes the underlying engine's metrics for registration.
func (s *Store) Collector() prometheus.Collector {
	return NewPebbleCollector(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}
