// Package ledger is an append-only, hash-chained anchor store on LevelDB.
//
// Each anchored result hash becomes one entry whose transaction hash commits
// to the previous entry's transaction hash, the test id and the result hash.
// Entries are never rewritten: anchoring the same test twice fails.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotAnchored     = errors.New("ledger: no anchor for test")
	ErrAlreadyAnchored = errors.New("ledger: test already anchored")
	ErrChainBroken     = errors.New("ledger: hash chain broken")
)

// Entry is one anchored result hash.
type Entry struct {
	Height     uint64    `json:"height"`
	TestID     string    `json:"test_id"`
	Hash       string    `json:"hash"`
	TxHash     string    `json:"tx_hash"`
	PrevTxHash string    `json:"prev_tx_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

type head struct {
	Height uint64 `json:"height"`
	TxHash string `json:"tx_hash"`
}

const (
	keyHead      = "head"
	prefixAnchor = "anchor:"
	prefixTx     = "tx:"
	prefixHeight = "height:"
)

func heightKey(h uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixHeight, h)) }

// Ledger is safe for concurrent use. Appends are serialized.
type Ledger struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens or creates a ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

// OpenMemory opens a ledger that lives only in memory.
func OpenMemory() (*Ledger, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// TxHash computes the chained transaction hash of an entry.
func TxHash(prevTxHash, testID, hash string) string {
	h := sha256.New()
	h.Write([]byte(prevTxHash))
	h.Write([]byte{0})
	h.Write([]byte(testID))
	h.Write([]byte{0})
	h.Write([]byte(hash))
	return hex.EncodeToString(h.Sum(nil))
}

// Anchor appends hash for testID and returns the new entry.
func (l *Ledger) Anchor(ctx context.Context, testID, hash string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if testID == "" || hash == "" {
		return Entry{}, fmt.Errorf("ledger: test id and hash are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ok, err := l.db.Has([]byte(prefixAnchor+testID), nil); err != nil {
		return Entry{}, fmt.Errorf("check anchor: %w", err)
	} else if ok {
		return Entry{}, ErrAlreadyAnchored
	}

	hd, err := l.head()
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Height:     hd.Height + 1,
		TestID:     testID,
		Hash:       hash,
		PrevTxHash: hd.TxHash,
		AnchoredAt: time.Now().UTC(),
	}
	entry.TxHash = TxHash(entry.PrevTxHash, testID, hash)

	raw, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	headRaw, err := json.Marshal(head{Height: entry.Height, TxHash: entry.TxHash})
	if err != nil {
		return Entry{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixAnchor+testID), raw)
	batch.Put([]byte(prefixTx+entry.TxHash), []byte(testID))
	batch.Put(heightKey(entry.Height), []byte(testID))
	batch.Put([]byte(keyHead), headRaw)
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Entry{}, fmt.Errorf("write anchor: %w", err)
	}
	return entry, nil
}

func (l *Ledger) head() (head, error) {
	raw, err := l.db.Get([]byte(keyHead), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return head{}, nil
	}
	if err != nil {
		return head{}, fmt.Errorf("read head: %w", err)
	}
	var hd head
	if err := json.Unmarshal(raw, &hd); err != nil {
		return head{}, fmt.Errorf("decode head: %w", err)
	}
	return hd, nil
}

// Lookup returns the entry anchored for testID.
func (l *Ledger) Lookup(ctx context.Context, testID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	raw, err := l.db.Get([]byte(prefixAnchor+testID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrNotAnchored
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read anchor: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode anchor: %w", err)
	}
	return e, nil
}

// LookupTx returns the entry with the given transaction hash.
func (l *Ledger) LookupTx(ctx context.Context, txHash string) (Entry, error) {
	testID, err := l.db.Get([]byte(prefixTx+txHash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrNotAnchored
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read tx index: %w", err)
	}
	return l.Lookup(ctx, string(testID))
}

// Height returns the number of anchored entries.
func (l *Ledger) Height() (uint64, error) {
	hd, err := l.head()
	return hd.Height, err
}

// Verify walks the chain from the first entry and recomputes every
// transaction hash. It returns ErrChainBroken, wrapped with the offending
// height, on the first inconsistency.
func (l *Ledger) Verify(ctx context.Context) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixHeight)), nil)
	defer iter.Release()

	var prev string
	var want uint64 = 1
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := l.Lookup(ctx, string(iter.Value()))
		if err != nil {
			return fmt.Errorf("height %d: %w", want, err)
		}
		if e.Height != want || e.PrevTxHash != prev || e.TxHash != TxHash(prev, e.TestID, e.Hash) {
			return fmt.Errorf("%w at height %d", ErrChainBroken, want)
		}
		prev = e.TxHash
		want++
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate ledger: %w", err)
	}

	hd, err := l.head()
	if err != nil {
		return err
	}
	if hd.Height != want-1 || hd.TxHash != prev {
		return fmt.Errorf("%w: head does not match last entry", ErrChainBroken)
	}
	return nil
}
