// Package storage is the local write-ahead store: one LevelDB database
// split into prefixed pools, one per kind of record.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"quorumchain/pkg/fault"
)

// pool prefixes - keep in alphabetic order
const (
	PrefixBackups      byte = 'B'
	PrefixBlockEntries byte = 'E'
	PrefixLedger       byte = 'L'
	PrefixBlockMeta    byte = 'M'
	PrefixBlockSealed  byte = 'S'
)

// DB owns the LevelDB handle.
type DB struct {
	database *leveldb.DB
	sync     bool
}

// Open opens or creates the database directory at path.
func Open(path string, readOnly bool) (*DB, error) {
	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: readOnly,
		ReadOnly:       readOnly,
	}
	db, err := leveldb.OpenFile(path, opt)
	if err != nil {
		return nil, fault.Storage("open "+path, err)
	}
	return &DB{database: db, sync: true}, nil
}

// OpenMemory returns a database that lives only in memory.
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(ldb_storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fault.Storage("open memory", err)
	}
	return &DB{database: db}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	if err := d.database.Close(); err != nil {
		return fault.Storage("close", err)
	}
	return nil
}

// Pool returns the key space under prefix.
func (d *DB) Pool(prefix byte) *Pool {
	return &Pool{prefix: prefix, limit: []byte{prefix + 1}, db: d}
}

func (d *DB) writeOptions() *ldb_opt.WriteOptions {
	return &ldb_opt.WriteOptions{Sync: d.sync}
}

// Pool is a key space inside the database.
type Pool struct {
	prefix byte
	limit  []byte
	db     *DB
}

// Element is a key/value pair with the pool prefix stripped from the key.
type Element struct {
	Key   []byte
	Value []byte
}

// prepend the prefix onto the key
func (p *Pool) prefixKey(key []byte) []byte {
	prefixedKey := make([]byte, 1, len(key)+1)
	prefixedKey[0] = p.prefix
	return append(prefixedKey, key...)
}

func (p *Pool) Put(key, value []byte) error {
	if err := p.db.database.Put(p.prefixKey(key), value, p.db.writeOptions()); err != nil {
		return fault.Storage(fmt.Sprintf("put %c/%x", p.prefix, key), err)
	}
	return nil
}

func (p *Pool) Delete(key []byte) error {
	if err := p.db.database.Delete(p.prefixKey(key), p.db.writeOptions()); err != nil {
		return fault.Storage(fmt.Sprintf("delete %c/%x", p.prefix, key), err)
	}
	return nil
}

// Get returns nil when the key is absent.
func (p *Pool) Get(key []byte) ([]byte, error) {
	value, err := p.db.database.Get(p.prefixKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(fmt.Sprintf("get %c/%x", p.prefix, key), err)
	}
	return value, nil
}

// Has reports whether key exists.
func (p *Pool) Has(key []byte) (bool, error) {
	ok, err := p.db.database.Has(p.prefixKey(key), nil)
	if err != nil {
		return false, fault.Storage(fmt.Sprintf("has %c/%x", p.prefix, key), err)
	}
	return ok, nil
}

// Elements returns every pair in key order, optionally restricted to keys
// that start with sub.
func (p *Pool) Elements(sub []byte) ([]Element, error) {
	searchRange := &ldb_util.Range{Start: []byte{p.prefix}, Limit: p.limit}
	if len(sub) > 0 {
		searchRange = ldb_util.BytesPrefix(p.prefixKey(sub))
	}

	iter := p.db.database.NewIterator(searchRange, nil)
	defer iter.Release()

	var out []Element
	for iter.Next() {
		// iterator buffers are reused, copy both sides
		key := iter.Key()
		value := iter.Value()
		dataKey := make([]byte, len(key)-1)
		copy(dataKey, key[1:])
		dataValue := make([]byte, len(value))
		copy(dataValue, value)
		out = append(out, Element{Key: dataKey, Value: dataValue})
	}
	if err := iter.Error(); err != nil {
		return nil, fault.Storage(fmt.Sprintf("iterate %c", p.prefix), err)
	}
	return out, nil
}

// Batch groups writes across pools into one atomic commit.
type Batch struct {
	db    *DB
	batch *leveldb.Batch
}

// NewBatch starts an atomic write spanning any pools.
func (d *DB) NewBatch() *Batch {
	return &Batch{db: d, batch: new(leveldb.Batch)}
}

func (b *Batch) Put(p *Pool, key, value []byte) {
	b.batch.Put(p.prefixKey(key), value)
}

func (b *Batch) Delete(p *Pool, key []byte) {
	b.batch.Delete(p.prefixKey(key))
}

func (b *Batch) Len() int { return b.batch.Len() }

// Commit writes the batch atomically and resets it.
func (b *Batch) Commit() error {
	if err := b.db.database.Write(b.batch, b.db.writeOptions()); err != nil {
		return fault.Storage("commit batch", err)
	}
	b.batch.Reset()
	return nil
}

// Uint64Key encodes n big endian so keys sort numerically.
func Uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// KeyUint64 decodes a key built with Uint64Key.
func KeyUint64(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, fmt.Errorf("truncated key: %x", key)
	}
	return binary.BigEndian.Uint64(key[:8]), nil
}
