package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store externalizes large values into the shared object store and hands
// back content-addressed references.
type Store interface {
	Put(ctx context.Context, value any) (*Ref, error)
	Get(ctx context.Context, ref *Ref) (any, error)
	// PutCollection chunks a collection into ref-only chunk objects and
	// returns the manifest.
	PutCollection(ctx context.Context, items []any) (*Manifest, error)
	// GetItem retrieves a single collection item by its original index.
	GetItem(ctx context.Context, manifest *Manifest, index int) (any, error)
	// GetAll retrieves the whole collection in original order.
	GetAll(ctx context.Context, manifest *Manifest) ([]any, error)
	// ItemRefs returns the per-item references of a collection in
	// original order, without touching item payloads.
	ItemRefs(ctx context.Context, manifest *Manifest) ([]Ref, error)
}


type redisStore struct {
	client    redis.UniversalClient
	chunkSize int
	ttl       time.Duration
}

// Config controls chunking and retention of stored objects.
type Config struct {
	ChunkSize int
	TTL       time.Duration
}

const defaultChunkSize = 64

// NewRedisStore returns a Store backed by the shared Redis instance.
func NewRedisStore(client redis.UniversalClient, cfg *Config) Store {
	chunkSize := defaultChunkSize
	var ttl time.Duration
	if cfg != nil {
		if cfg.ChunkSize > 0 {
			chunkSize = cfg.ChunkSize
		}
		ttl = cfg.TTL
	}
	return &redisStore{client: client, chunkSize: chunkSize, ttl: ttl}
}

func storageKey(digest string) string {
	return "blob:sha256:" + digest
}

func (s *redisStore) Put(ctx context.Context, value any) (*Ref, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	key := storageKey(digest)
	// Content-addressed writes are idempotent, safe under activity retry.
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	return &Ref{Key: key, Digest: digest, Size: len(payload)}, nil
}

func (s *redisStore) Get(ctx context.Context, ref *Ref) (any, error) {
	payload, err := s.client.Get(ctx, ref.Key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve blob %s: %w", ref.Key, err)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("failed to decode blob %s: %w", ref.Key, err)
	}
	return value, nil
}

func (s *redisStore) PutCollection(ctx context.Context, items []any) (*Manifest, error) {
	itemRefs := make([]Ref, len(items))
	for i, item := range items {
		ref, err := s.Put(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to store collection item %d: %w", i, err)
		}
		itemRefs[i] = *ref
	}
	manifest := &Manifest{Count: len(items), ChunkSize: s.chunkSize}
	for start := 0; start < len(itemRefs); start += s.chunkSize {
		end := min(start+s.chunkSize, len(itemRefs))
		chunkRef, err := s.Put(ctx, itemRefs[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to store collection chunk: %w", err)
		}
		manifest.Chunks = append(manifest.Chunks, *chunkRef)
	}
	return manifest, nil
}

func (s *redisStore) chunkRefs(ctx context.Context, manifest *Manifest, chunk int) ([]Ref, error) {
	payload, err := s.client.Get(ctx, manifest.Chunks[chunk].Key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve chunk %d: %w", chunk, err)
	}
	var refs []Ref
	if err := json.Unmarshal(payload, &refs); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %d: %w", chunk, err)
	}
	return refs, nil
}

func (s *redisStore) GetItem(ctx context.Context, manifest *Manifest, index int) (any, error) {
	if index < 0 || index >= manifest.Count {
		return nil, fmt.Errorf("collection index %d out of range [0,%d)", index, manifest.Count)
	}
	refs, err := s.chunkRefs(ctx, manifest, index/manifest.ChunkSize)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, &refs[index%manifest.ChunkSize])
}

func (s *redisStore) ItemRefs(ctx context.Context, manifest *Manifest) ([]Ref, error) {
	refs := make([]Ref, 0, manifest.Count)
	for chunk := range manifest.Chunks {
		chunkRefs, err := s.chunkRefs(ctx, manifest, chunk)
		if err != nil {
			return nil, err
		}
		refs = append(refs, chunkRefs...)
	}
	return refs, nil
}

func (s *redisStore) GetAll(ctx context.Context, manifest *Manifest) ([]any, error) {
	items := make([]any, 0, manifest.Count)
	for chunk := range manifest.Chunks {
		refs, err := s.chunkRefs(ctx, manifest, chunk)
		if err != nil {
			return nil, err
		}
		for i := range refs {
			item, err := s.Get(ctx, &refs[i])
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	return items, nil
}
