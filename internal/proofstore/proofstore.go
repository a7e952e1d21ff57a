// Package proofstore persists the four pieces of per-step proof-of-work
// state from spec §3: nonce (1h TTL), proof hash (7d), retry counter (1h),
// and the last result record (7d). Each has its own NATS JetStream KV
// bucket so the server can rely on bucket-level TTL rather than a
// hand-rolled sweeper — the same nats.go dependency the rest of the
// pipeline already requires for pub/sub, generalized to its KV store.
package proofstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
)

const (
	bucketNonce  = "pow-nonce"
	bucketHash   = "pow-hash"
	bucketRetry  = "pow-retry"
	bucketResult = "pow-result"

	ttlNonce  = time.Hour
	ttlHash   = 7 * 24 * time.Hour
	ttlRetry  = time.Hour
	ttlResult = 7 * 24 * time.Hour
)

// ResultRecord is the last recorded outcome of a step's solution check.
type ResultRecord struct {
	Outcome   string    `json:"outcome"` // success|failure
	Message   string    `json:"message"`
	RatedAt   time.Time `json:"rated_at"`
}

// bucket is the slice of nats.KeyValue this package actually calls, kept
// narrow so tests can fake a bucket without reimplementing the full
// nats.KeyValue interface.
type bucket interface {
	Put(key string, value []byte) (uint64, error)
	Get(key string) ([]byte, error)
}

// natsBucket adapts a real nats.KeyValue to bucket.
type natsBucket struct{ kv nats.KeyValue }

func (b natsBucket) Put(key string, value []byte) (uint64, error) {
	return b.kv.Put(key, value)
}

func (b natsBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// Store fronts the four JetStream KV buckets.
type Store struct {
	nonce  bucket
	hash   bucket
	retry  bucket
	result bucket
}

// Open ensures all four buckets exist (creating them on first use) and
// returns a bound Store.
func Open(js nats.JetStreamContext) (*Store, error) {
	nonce, err := ensureBucket(js, bucketNonce, ttlNonce)
	if err != nil {
		return nil, err
	}
	hash, err := ensureBucket(js, bucketHash, ttlHash)
	if err != nil {
		return nil, err
	}
	retry, err := ensureBucket(js, bucketRetry, ttlRetry)
	if err != nil {
		return nil, err
	}
	result, err := ensureBucket(js, bucketResult, ttlResult)
	if err != nil {
		return nil, err
	}
	return &Store{nonce: nonce, hash: hash, retry: retry, result: result}, nil
}

// NewWithBuckets builds a Store directly from four bucket handles,
// bypassing bucket creation — the seam tests use to inject fakes.
func NewWithBuckets(nonce, hash, retry, result bucket) *Store {
	return &Store{nonce: nonce, hash: hash, retry: retry, result: result}
}

func ensureBucket(js nats.JetStreamContext, name string, ttl time.Duration) (bucket, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return natsBucket{kv}, nil
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, TTL: ttl})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KVFailed, fmt.Sprintf("create kv bucket %s", name), err)
	}
	return natsBucket{kv}, nil
}

// PutNonce stores the 1h-TTL nonce for memoryUUID.
func (s *Store) PutNonce(ctx context.Context, memoryUUID, nonce string) error {
	return put(s.nonce, memoryUUID, []byte(nonce))
}

// Nonce returns the stored nonce for memoryUUID, if any.
func (s *Store) Nonce(ctx context.Context, memoryUUID string) (string, bool, error) {
	v, ok, err := get(s.nonce, memoryUUID)
	return string(v), ok, err
}

// PutHash stores the 7d-TTL proof hash for memoryUUID.
func (s *Store) PutHash(ctx context.Context, memoryUUID, hash string) error {
	return put(s.hash, memoryUUID, []byte(hash))
}

// Hash returns the stored proof hash for memoryUUID, if any.
func (s *Store) Hash(ctx context.Context, memoryUUID string) (string, bool, error) {
	v, ok, err := get(s.hash, memoryUUID)
	return string(v), ok, err
}

// ResetRetry zeroes the retry counter for memoryUUID.
func (s *Store) ResetRetry(ctx context.Context, memoryUUID string) error {
	return put(s.retry, memoryUUID, []byte("0"))
}

// IncrRetry increments and returns the retry counter for memoryUUID,
// initializing it at 1 if absent.
func (s *Store) IncrRetry(ctx context.Context, memoryUUID string) (int, error) {
	v, ok, err := get(s.retry, memoryUUID)
	if err != nil {
		return 0, err
	}
	n := 0
	if ok {
		n, _ = strconv.Atoi(string(v))
	}
	n++
	if err := put(s.retry, memoryUUID, []byte(strconv.Itoa(n))); err != nil {
		return 0, err
	}
	return n, nil
}

// RetryCount returns the current retry counter for memoryUUID (0 if absent).
func (s *Store) RetryCount(ctx context.Context, memoryUUID string) (int, error) {
	v, ok, err := get(s.retry, memoryUUID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.Atoi(string(v))
	return n, nil
}

// PutResult stores the 7d-TTL last result record for memoryUUID.
func (s *Store) PutResult(ctx context.Context, memoryUUID string, record ResultRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, "encode result record", err)
	}
	return put(s.result, memoryUUID, data)
}

// Result returns the last stored result record for memoryUUID, if any.
func (s *Store) Result(ctx context.Context, memoryUUID string) (ResultRecord, bool, error) {
	v, ok, err := get(s.result, memoryUUID)
	if err != nil || !ok {
		return ResultRecord{}, ok, err
	}
	var record ResultRecord
	if err := json.Unmarshal(v, &record); err != nil {
		return ResultRecord{}, false, kerrors.Wrap(kerrors.Internal, "decode result record", err)
	}
	return record, true, nil
}

func put(kv bucket, key string, value []byte) error {
	if _, err := kv.Put(key, value); err != nil {
		return kerrors.Wrap(kerrors.KVFailed, fmt.Sprintf("kv put %s", key), err)
	}
	return nil
}

func get(kv bucket, key string) ([]byte, bool, error) {
	value, err := kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kerrors.Wrap(kerrors.KVFailed, fmt.Sprintf("kv get %s", key), err)
	}
	return value, true, nil
}
