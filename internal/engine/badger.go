package engine

import (
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/metrics"
	"github.com/Genuineh/AiKv/pkg/bytes"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// Badger is the disk-backed engine. Expiry is delegated to Badger's native
// entry TTLs; slot scans walk the whole keyspace computing slots on the fly,
// which is acceptable because they only run for admin commands and
// migration.
type Badger struct {
	db *badger.DB
}

var _ Engine = (*Badger)(nil)

// NewBadger opens (or creates) the database at dir.
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(log.StandardLogger().WithField("component", "badger"))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", dir)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(key string) ([]byte, bool) {
	entry, ok := b.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

func (b *Badger) GetEntry(key string) (*Entry, bool) {
	var entry *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bytes.StringToBytes(key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry = &Entry{Value: value}
		if exp := item.ExpiresAt(); exp > 0 {
			entry.ExpireAt = time.Unix(int64(exp), 0)
		}
		return nil
	})
	if err != nil {
		return nil, false
	}
	return entry, true
}

func (b *Badger) Set(key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) SetEntry(key string, entry *Entry) error {
	ttl := time.Duration(0)
	if !entry.ExpireAt.IsZero() {
		ttl = time.Until(entry.ExpireAt)
		if ttl <= 0 {
			// Already expired; storing it would resurrect the key.
			return nil
		}
	}
	return b.Set(key, entry.Value, ttl)
}

func (b *Badger) Delete(key string) (bool, error) {
	existed := b.Exists(key)
	if !existed {
		return false, nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(bytes.StringToBytes(key))
	})
	if err != nil {
		return false, errors.Wrapf(err, "delete %q", key)
	}
	return true, nil
}

func (b *Badger) Exists(key string) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(bytes.StringToBytes(key))
		return err
	})
	return err == nil
}

func (b *Badger) Expire(key string, ttl time.Duration) bool {
	entry, ok := b.GetEntry(key)
	if !ok {
		return false
	}
	if err := b.Set(key, entry.Value, ttl); err != nil {
		log.WithError(err).WithField("key", key).Error("expire rewrite")
		return false
	}
	return true
}

func (b *Badger) TTL(key string) time.Duration {
	entry, ok := b.GetEntry(key)
	if !ok {
		return TTLMissing
	}
	if entry.ExpireAt.IsZero() {
		return TTLNone
	}
	return time.Until(entry.ExpireAt)
}

func (b *Badger) Keys(pattern string) []string {
	var keys []string
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			if matchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys
}

func (b *Badger) Rename(src, dst string) error {
	entry, ok := b.GetEntry(src)
	if !ok {
		return pkgerrors.ErrNoSuchKey
	}
	if err := b.SetEntry(dst, entry); err != nil {
		return err
	}
	_, err := b.Delete(src)
	return err
}

func (b *Badger) SlotKeys(slot uint16, count int) []string {
	var keys []string
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if hash.KeySlotBytes(key) != slot {
				continue
			}
			keys = append(keys, string(key))
			if count > 0 && len(keys) >= count {
				break
			}
		}
		return nil
	})
	return keys
}

func (b *Badger) CountSlot(slot uint16) int {
	n := 0
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if hash.KeySlotBytes(it.Item().Key()) == slot {
				n++
			}
		}
		return nil
	})
	return n
}

func (b *Badger) Len() int {
	n := 0
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	metrics.KeysStored.Set(float64(n))
	return n
}

func (b *Badger) Flush() error {
	return b.db.DropAll()
}

func (b *Badger) Close() error {
	return b.db.Close()
}
