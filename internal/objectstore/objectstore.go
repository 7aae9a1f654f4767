// Package objectstore addresses media objects in S3-compatible storage,
// including per-object tags and a bucket-level write lock.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("objectstore: object not found")
	ErrBucketLocked = errors.New("objectstore: bucket is locked")
)

// LockTag is the bucket tag that marks a bucket read-only.
const LockTag = "locked"

// Ref addresses one object. An empty VersionID means the latest version.
type Ref struct {
	Bucket    string
	Key       string
	VersionID string
}

func (r Ref) String() string {
	if r.VersionID != "" {
		return fmt.Sprintf("%s/%s@%s", r.Bucket, r.Key, r.VersionID)
	}
	return r.Bucket + "/" + r.Key
}

// Sibling returns a ref to another key in the same bucket.
func (r Ref) Sibling(key string) Ref {
	return Ref{Bucket: r.Bucket, Key: key}
}

type ObjectInfo struct {
	Ref
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	Tags        map[string]string
}

type Store interface {
	Put(ctx context.Context, ref Ref, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Stat(ctx context.Context, ref Ref) (ObjectInfo, error)
	Delete(ctx context.Context, ref Ref) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	Tags(ctx context.Context, ref Ref) (map[string]string, error)
	// PutTags replaces the full tag set.
	PutTags(ctx context.Context, ref Ref, tags map[string]string) error
	// UpdateTags merges into the existing tag set.
	UpdateTags(ctx context.Context, ref Ref, tags map[string]string) error
	DeleteTags(ctx context.Context, ref Ref) error

	BucketLocked(ctx context.Context, bucket string) (bool, error)
	LockBucket(ctx context.Context, bucket string) error
	UnlockBucket(ctx context.Context, bucket string) error
}

// WithUnlockedBucket runs fn with bucket writable. A locked bucket is
// unlocked first and relocked afterwards, even when fn fails. The sequence
// is not atomic: a crash in between leaves the bucket unlocked.
func WithUnlockedBucket(ctx context.Context, s Store, bucket string, fn func() error) (err error) {
	locked, err := s.BucketLocked(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check lock on %s: %w", bucket, err)
	}
	if !locked {
		return fn()
	}

	if err := s.UnlockBucket(ctx, bucket); err != nil {
		return fmt.Errorf("unlock %s: %w", bucket, err)
	}
	defer func() {
		// Relock with a fresh context so a canceled step still restores the lock.
		relockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if lerr := s.LockBucket(relockCtx, bucket); lerr != nil {
			err = errors.Join(err, fmt.Errorf("relock %s: %w", bucket, lerr))
		}
	}()
	return fn()
}

// Materialize copies an object into a new file under dir (the system temp
// dir when empty). release removes the file and is safe to call more than once.
func Materialize(ctx context.Context, s Store, ref Ref, dir string) (path string, release func(), err error) {
	rc, err := s.Get(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	ext := filepath.Ext(ref.Key)
	f, err := os.CreateTemp(dir, "materialize-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("materialize %s: %w", ref, err)
	}
	path = f.Name()
	release = func() { _ = os.Remove(path) }

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: rc}); err != nil {
		_ = f.Close()
		release()
		return "", nil, fmt.Errorf("materialize %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, fmt.Errorf("materialize %s: %w", ref, err)
	}
	return path, release, nil
}

// DeletePrefix removes every object under prefix for which filter returns
// true. A nil filter deletes everything under prefix. It returns the deleted keys.
func DeletePrefix(ctx context.Context, s Store, bucket, prefix string, filter func(key string, tags map[string]string) bool) ([]string, error) {
	objs, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	var deleted []string
	for _, o := range objs {
		if filter != nil {
			tags, err := s.Tags(ctx, o.Ref)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return deleted, err
			}
			if !filter(o.Key, tags) {
				continue
			}
		}
		if err := s.Delete(ctx, o.Ref); err != nil && !errors.Is(err, ErrNotFound) {
			return deleted, err
		}
		deleted = append(deleted, o.Key)
	}
	return deleted, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type bucketMaker interface {
	EnsureBucket(ctx context.Context, bucket, region string) error
}

// EnsureBuckets creates any missing bucket on stores that can create them.
// Other stores are left alone.
func EnsureBuckets(ctx context.Context, s Store, region string, buckets ...string) error {
	bm, ok := s.(bucketMaker)
	if !ok {
		return nil
	}
	for _, b := range buckets {
		if err := bm.EnsureBucket(ctx, b, region); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeTagValue replaces characters S3 rejects in tag values and trims to
// the 256 character limit.
func SanitizeTagValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(" +-=._:/@", r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 256 {
		out = out[:256]
	}
	return out
}
