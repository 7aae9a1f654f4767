package objectstore

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"thirdcoast.systems/reel/internal/config"
)

// MinIO implements Store with minio-go against any S3-compatible endpoint.
type MinIO struct {
	client *minio.Client
}

var _ Store = (*MinIO)(nil)

func NewMinIOClient(cfg config.StorageConfig) (*minio.Client, error) {
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func NewMinIO(client *minio.Client) *MinIO {
	return &MinIO{client: client}
}

// EnsureBucket creates bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

func translate(ref Ref, err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchVersion", "NoSuchBucket":
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", ref, err)
}

func (m *MinIO) ensureWritable(ctx context.Context, bucket string) error {
	locked, err := m.BucketLocked(ctx, bucket)
	if err != nil {
		return err
	}
	if locked {
		return fmt.Errorf("%s: %w", bucket, ErrBucketLocked)
	}
	return nil
}

func (m *MinIO) Put(ctx context.Context, ref Ref, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if err := m.ensureWritable(ctx, ref.Bucket); err != nil {
		return ObjectInfo{}, err
	}
	info, err := m.client.PutObject(ctx, ref.Bucket, ref.Key, r, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
		UserTags:    sanitizeTags(opts.Tags),
	})
	if err != nil {
		return ObjectInfo{}, translate(ref, err)
	}
	return ObjectInfo{
		Ref:          Ref{Bucket: info.Bucket, Key: info.Key, VersionID: info.VersionID},
		Size:         info.Size,
		ContentType:  opts.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

func (m *MinIO) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{VersionID: ref.VersionID})
	if err != nil {
		return nil, translate(ref, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate(ref, err)
	}
	return obj, nil
}

func (m *MinIO) Stat(ctx context.Context, ref Ref) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{VersionID: ref.VersionID})
	if err != nil {
		return ObjectInfo{}, translate(ref, err)
	}
	return fromMinIO(ref.Bucket, info), nil
}

func (m *MinIO) Delete(ctx context.Context, ref Ref) error {
	if err := m.ensureWritable(ctx, ref.Bucket); err != nil {
		return err
	}
	err := m.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{VersionID: ref.VersionID})
	return translate(ref, err)
}

func (m *MinIO) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, translate(Ref{Bucket: bucket, Key: prefix}, info.Err)
		}
		out = append(out, fromMinIO(bucket, info))
	}
	return out, nil
}

func (m *MinIO) Tags(ctx context.Context, ref Ref) (map[string]string, error) {
	t, err := m.client.GetObjectTagging(ctx, ref.Bucket, ref.Key, minio.GetObjectTaggingOptions{VersionID: ref.VersionID})
	if err != nil {
		return nil, translate(ref, err)
	}
	return t.ToMap(), nil
}

func (m *MinIO) PutTags(ctx context.Context, ref Ref, in map[string]string) error {
	if err := m.ensureWritable(ctx, ref.Bucket); err != nil {
		return err
	}
	t, err := tags.NewTags(sanitizeTags(in), true)
	if err != nil {
		return fmt.Errorf("%s: tags: %w", ref, err)
	}
	err = m.client.PutObjectTagging(ctx, ref.Bucket, ref.Key, t, minio.PutObjectTaggingOptions{VersionID: ref.VersionID})
	return translate(ref, err)
}

func (m *MinIO) UpdateTags(ctx context.Context, ref Ref, in map[string]string) error {
	current, err := m.Tags(ctx, ref)
	if err != nil {
		return err
	}
	merged := maps.Clone(current)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, in)
	return m.PutTags(ctx, ref, merged)
}

func (m *MinIO) DeleteTags(ctx context.Context, ref Ref) error {
	if err := m.ensureWritable(ctx, ref.Bucket); err != nil {
		return err
	}
	err := m.client.RemoveObjectTagging(ctx, ref.Bucket, ref.Key, minio.RemoveObjectTaggingOptions{VersionID: ref.VersionID})
	return translate(ref, err)
}

func (m *MinIO) BucketLocked(ctx context.Context, bucket string) (bool, error) {
	t, err := m.client.GetBucketTagging(ctx, bucket)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchTagSet" {
			return false, nil
		}
		return false, fmt.Errorf("bucket tags %s: %w", bucket, err)
	}
	return t.ToMap()[LockTag] == "true", nil
}

func (m *MinIO) LockBucket(ctx context.Context, bucket string) error {
	return m.setBucketTag(ctx, bucket, "true")
}

func (m *MinIO) UnlockBucket(ctx context.Context, bucket string) error {
	return m.setBucketTag(ctx, bucket, "")
}

func (m *MinIO) setBucketTag(ctx context.Context, bucket, value string) error {
	current := map[string]string{}
	t, err := m.client.GetBucketTagging(ctx, bucket)
	switch {
	case err == nil:
		current = t.ToMap()
	case minio.ToErrorResponse(err).Code != "NoSuchTagSet":
		return fmt.Errorf("bucket tags %s: %w", bucket, err)
	}

	if value == "" {
		delete(current, LockTag)
	} else {
		current[LockTag] = value
	}
	if len(current) == 0 {
		if err := m.client.RemoveBucketTagging(ctx, bucket); err != nil {
			return fmt.Errorf("remove bucket tags %s: %w", bucket, err)
		}
		return nil
	}

	nt, err := tags.NewTags(current, false)
	if err != nil {
		return fmt.Errorf("bucket tags %s: %w", bucket, err)
	}
	if err := m.client.SetBucketTagging(ctx, bucket, nt); err != nil {
		return fmt.Errorf("set bucket tags %s: %w", bucket, err)
	}
	return nil
}

func fromMinIO(bucket string, info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Ref:          Ref{Bucket: bucket, Key: info.Key, VersionID: info.VersionID},
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}
}

func sanitizeTags(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = SanitizeTagValue(v)
	}
	return out
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
