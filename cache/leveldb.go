package cache

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	generationPrefix = "g\x00"
	entryPrefix      = "e\x00"
	keySeparator     = "\x00"
)

// LevelDBCache stores generations in a LevelDB database.
// Generation records live under g\x00<name> (value: creation sequence),
// entries under e\x00<name>\x00<key>.
type LevelDBCache struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
	seq        uint64
}

// NewLevelDBCache opens (or creates) the LevelDB database in the given directory.
func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelDBCache(db)
}

// NewMemLevelDBCache opens a LevelDB database backed by memory storage.
func NewMemLevelDBCache() (*LevelDBCache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelDBCache(db)
}

func newLevelDBCache(db *leveldb.DB) (*LevelDBCache, error) {
	l := &LevelDBCache{db: db, writeMutex: &sync.Mutex{}}
	gens, err := l.generations()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, seq := range gens {
		if seq > l.seq {
			l.seq = seq
		}
	}
	return l, nil
}

func generationKey(name string) []byte {
	return []byte(generationPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySeparator)
}

func (l *LevelDBCache) generations() (map[string]uint64, error) {
	gens := make(map[string]uint64)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		name := string(iter.Key()[len(generationPrefix):])
		if len(iter.Value()) != 8 {
			continue
		}
		gens[name] = binary.BigEndian.Uint64(iter.Value())
	}
	return gens, mapClosed(iter.Error())
}

// open must be called with writeMutex held.
func (l *LevelDBCache) open(batch *leveldb.Batch, name string) error {
	_, err := l.db.Get(generationKey(name), nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return mapClosed(err)
	}
	l.seq++
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, l.seq)
	batch.Put(generationKey(name), value)
	return nil
}

func (l *LevelDBCache) Open(name string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	batch := new(leveldb.Batch)
	if err := l.open(batch, name); err != nil {
		return err
	}
	return mapClosed(l.db.Write(batch, nil))
}

func (l *LevelDBCache) Names() ([]string, error) {
	gens, err := l.generations()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(gens))
	for name := range gens {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return gens[names[i]] < gens[names[j]]
	})
	return names, nil
}

func (l *LevelDBCache) Has(name string) (bool, error) {
	ok, err := l.db.Has(generationKey(name), nil)
	return ok, mapClosed(err)
}

func (l *LevelDBCache) Delete(name string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	existed, err := l.db.Has(generationKey(name), nil)
	if err != nil {
		return false, mapClosed(err)
	}
	batch := new(leveldb.Batch)
	batch.Delete(generationKey(name))
	iter := l.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, mapClosed(err)
	}
	return existed, mapClosed(l.db.Write(batch, nil))
}

func (l *LevelDBCache) Put(name, key string, bytes []byte) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	batch := new(leveldb.Batch)
	if err := l.open(batch, name); err != nil {
		return err
	}
	batch.Put(append(entryKeyPrefix(name), key...), bytes)
	return mapClosed(l.db.Write(batch, nil))
}

func (l *LevelDBCache) Get(name, key string) ([]byte, bool, error) {
	bytes, err := l.db.Get(append(entryKeyPrefix(name), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapClosed(err)
	}
	return bytes, true, nil
}

func (l *LevelDBCache) Match(key string) ([]byte, bool, error) {
	names, err := l.Names()
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		bytes, ok, err := l.Get(name, key)
		if err != nil || ok {
			return bytes, ok, err
		}
	}
	return nil, false, nil
}

func (l *LevelDBCache) Keys(name string) ([]string, error) {
	prefix := entryKeyPrefix(name)
	keys := make([]string, 0)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	return keys, mapClosed(iter.Error())
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}

func mapClosed(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}
