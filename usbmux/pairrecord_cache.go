package usbmux

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// PairRecordCachePurgeInterval is deliberately infrequent: pair records
// rarely change and the map stays small.
const PairRecordCachePurgeInterval = 5 * time.Minute

// PairRecordSource is anything that can answer ReadPairRecord and
// SavePairRecord the way a Client does; factored out so
// CachingPairRecordStore is testable without a live daemon connection.
type PairRecordSource interface {
	ReadPairRecord(udid string) (PairRecord, error)
	SavePairRecord(udid string, record PairRecord) error
}

// CachingPairRecordStore treats the multiplexing daemon as the
// authoritative store and the client side as a read-through cache over
// it: a lookup that misses loads from Source and populates the cache
// before returning.
type CachingPairRecordStore struct {
	Source PairRecordSource
	cache  *cache.Cache
}

// NewCachingPairRecordStore wraps source with an in-memory cache that
// holds each PairRecord for ttl before re-reading it from the daemon.
func NewCachingPairRecordStore(source PairRecordSource, ttl time.Duration) *CachingPairRecordStore {
	return &CachingPairRecordStore{
		Source: source,
		cache:  cache.New(ttl, PairRecordCachePurgeInterval),
	}
}

// ReadPairRecord returns the cached record for udid if present and not
// expired, otherwise loads it from Source and caches the result.
func (s *CachingPairRecordStore) ReadPairRecord(udid string) (PairRecord, error) {
	if v, found := s.cache.Get(udid); found {
		return v.(PairRecord), nil
	}

	record, err := s.Source.ReadPairRecord(udid)
	if err != nil {
		return PairRecord{}, err
	}

	s.cache.SetDefault(udid, record)
	return record, nil
}

// SavePairRecord writes record through to Source and refreshes the cache
// entry so a subsequent ReadPairRecord sees it immediately.
func (s *CachingPairRecordStore) SavePairRecord(udid string, record PairRecord) error {
	if err := s.Source.SavePairRecord(udid, record); err != nil {
		return err
	}
	s.cache.SetDefault(udid, record)
	return nil
}

// Invalidate drops the cached record for udid, so the next ReadPairRecord
// reads it from Source again.
func (s *CachingPairRecordStore) Invalidate(udid string) {
	s.cache.Delete(udid)
}
