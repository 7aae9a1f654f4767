package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/worker"
)

// Download streams source_uri into the target object.
type Download struct {
	rt     *worker.Runtime
	client *http.Client
}

func NewDownload(rt *worker.Runtime, client *http.Client) *Download {
	if client == nil {
		client = http.DefaultClient
	}
	return &Download{rt: rt, client: client}
}

func (d *Download) Kind() string { return KindDownload }

func (d *Download) DescribePayload(in worker.Payload) worker.Payload {
	out := describeKey(in)
	if v, ok := in["source_uri"]; ok {
		out["source_uri"] = v
	}
	return out
}

func (d *Download) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	if err := requireTarget(sc); err != nil {
		return worker.Outcome{}, err
	}
	src, _ := sc.Payload.String("source_uri")
	if src == "" {
		return worker.Outcome{}, fmt.Errorf("%w: source_uri", ErrMissingInput)
	}

	if t := d.rt.Settings.DownloadTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("download %s: %w", src, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return worker.Outcome{}, fmt.Errorf("download %s: unexpected status %s", src, resp.Status)
	}
	size := resp.ContentLength
	if size < 0 {
		return worker.Outcome{}, fmt.Errorf("download %s: %w", src, ErrNoContentLength)
	}
	if limit := d.rt.Settings.DownloadMaxBytes; limit > 0 && uint64(size) > limit {
		return worker.Outcome{}, fmt.Errorf("download %s: %s over %s: %w",
			src, humanize.Bytes(uint64(size)), humanize.Bytes(limit), ErrTooLarge)
	}

	store := d.rt.Objects
	target := sc.Target
	if err := sc.OnTerminate(func() {
		// Drop whatever part of the target made it into storage.
		_ = objectstore.WithUnlockedBucket(context.Background(), store, target.Bucket, func() error {
			return store.Delete(context.Background(), target)
		})
	}); err != nil {
		return worker.Outcome{}, err
	}

	sc.Logger.Info("download started", "source", src, "size", humanize.Bytes(uint64(size)))
	hash := sha256.New()
	body := &progressReader{
		r:     io.TeeReader(resp.Body, hash),
		total: size,
		log:   sc.Logger,
	}

	err = objectstore.WithUnlockedBucket(ctx, store, target.Bucket, func() error {
		if _, err := store.Put(ctx, target, body, size, objectstore.PutOptions{
			ContentType: resp.Header.Get("Content-Type"),
		}); err != nil {
			return err
		}
		return store.UpdateTags(ctx, target, map[string]string{
			TagSHA256: hex.EncodeToString(hash.Sum(nil)),
		})
	})
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("download %s into %s: %w", src, target, err)
	}

	sc.Logger.Info("download finished", "target", target.String(), "size", humanize.Bytes(uint64(body.read)))
	return worker.Succeeded(fmt.Sprintf("downloaded %s to %s", humanize.Bytes(uint64(body.read)), target)), nil
}

func (d *Download) Clean(ctx context.Context, sc *worker.StepContext) error {
	if sc.Target.Key == "" {
		return nil
	}
	store := d.rt.Objects
	return objectstore.WithUnlockedBucket(ctx, store, sc.Target.Bucket, func() error {
		if err := store.Delete(ctx, sc.Target); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", sc.Target, err)
		}
		return nil
	})
}

// progressReader logs every tenth of the expected size.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	logged int64
	log    *slog.Logger
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		decile := p.read * 10 / p.total
		if decile > p.logged && decile < 10 {
			p.logged = decile
			p.log.Info("download progress",
				"percent", strconv.FormatInt(decile*10, 10),
				"read", humanize.Bytes(uint64(p.read)),
				"total", humanize.Bytes(uint64(p.total)),
			)
		}
	}
	return n, err
}
