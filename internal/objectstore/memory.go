package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	tags        map[string]string
	modified    time.Time
}

// Memory is an in-process Store for tests and single-node runs. It enforces
// the bucket lock the same way MinIO does.
type Memory struct {
	mu      sync.Mutex
	objects map[string]map[string]*memObject
	locked  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		objects: map[string]map[string]*memObject{},
		locked:  map[string]bool{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) get(ref Ref) (*memObject, error) {
	obj, ok := m.objects[ref.Bucket][ref.Key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return obj, nil
}

func (m *Memory) writable(bucket string) error {
	if m.locked[bucket] {
		return fmt.Errorf("%s: %w", bucket, ErrBucketLocked)
	}
	return nil
}

func info(ref Ref, obj *memObject) ObjectInfo {
	sum := md5.Sum(obj.data)
	return ObjectInfo{
		Ref:          Ref{Bucket: ref.Bucket, Key: ref.Key},
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: obj.modified,
	}
}

func (m *Memory) Put(ctx context.Context, ref Ref, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%s: %w", ref, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, fmt.Errorf("%s: size mismatch: declared %d, read %d", ref, size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(ref.Bucket); err != nil {
		return ObjectInfo{}, err
	}
	if m.objects[ref.Bucket] == nil {
		m.objects[ref.Bucket] = map[string]*memObject{}
	}
	obj := &memObject{
		data:        data,
		contentType: opts.ContentType,
		tags:        sanitizeTags(opts.Tags),
		modified:    time.Now(),
	}
	if obj.tags == nil {
		obj.tags = map[string]string{}
	}
	m.objects[ref.Bucket][ref.Key] = obj
	return info(ref, obj), nil
}

func (m *Memory) Get(_ context.Context, ref Ref) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.get(ref)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(obj.data))), nil
}

func (m *Memory) Stat(_ context.Context, ref Ref) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.get(ref)
	if err != nil {
		return ObjectInfo{}, err
	}
	return info(ref, obj), nil
}

func (m *Memory) Delete(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(ref.Bucket); err != nil {
		return err
	}
	// S3 deletes are idempotent.
	delete(m.objects[ref.Bucket], ref.Key)
	return nil
}

func (m *Memory) List(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := slices.Sorted(maps.Keys(m.objects[bucket]))
	var out []ObjectInfo
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			ref := Ref{Bucket: bucket, Key: k}
			out = append(out, info(ref, m.objects[bucket][k]))
		}
	}
	return out, nil
}

func (m *Memory) Tags(_ context.Context, ref Ref) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.get(ref)
	if err != nil {
		return nil, err
	}
	return maps.Clone(obj.tags), nil
}

func (m *Memory) PutTags(_ context.Context, ref Ref, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(ref.Bucket); err != nil {
		return err
	}
	obj, err := m.get(ref)
	if err != nil {
		return err
	}
	obj.tags = sanitizeTags(tags)
	if obj.tags == nil {
		obj.tags = map[string]string{}
	}
	return nil
}

func (m *Memory) UpdateTags(_ context.Context, ref Ref, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(ref.Bucket); err != nil {
		return err
	}
	obj, err := m.get(ref)
	if err != nil {
		return err
	}
	maps.Copy(obj.tags, sanitizeTags(tags))
	return nil
}

func (m *Memory) DeleteTags(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(ref.Bucket); err != nil {
		return err
	}
	obj, err := m.get(ref)
	if err != nil {
		return err
	}
	obj.tags = map[string]string{}
	return nil
}

func (m *Memory) EnsureBucket(_ context.Context, bucket, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[bucket] == nil {
		m.objects[bucket] = map[string]*memObject{}
	}
	return nil
}

func (m *Memory) BucketLocked(_ context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[bucket], nil
}

func (m *Memory) LockBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[bucket] = true
	return nil
}

func (m *Memory) UnlockBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, bucket)
	return nil
}
