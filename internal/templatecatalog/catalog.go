// Package templatecatalog mirrors the S3 bucket of OS template images
// into an in-memory map of template name -> local image path, refreshed
// on a timer. This is the ImageResolver dispatch.Dispatcher consults to
// turn an add_env request's os_prefix into a concrete Vm image, grounded
// on the teacher's internal/codeloader.LayerCache's sync.RWMutex-guarded
// content-hash map, generalized from a write-through cache to a
// read-only mirror of bucket state.
package templatecatalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/pkg/fsutil"
	"github.com/ttstack/tt/internal/ttdef"
)

// DefaultRefreshInterval is the catalog refresh cadence used when
// Config.RefreshInterval is unset.
const DefaultRefreshInterval = 15 * time.Second

// entry is one resolved template: its local mirror path and the
// VmKind its image format targets.
type entry struct {
	localPath string
	kind      ttdef.VmKind
	key       string
	etag      string
	hash      string
}

// Catalog is a periodically-refreshed, read-only view of an S3 bucket's
// object keys under Prefix, each key assumed named
// "<prefix><template-name>/<kind>.img" (kind one of qemu, bhyve,
// firecracker, docker). Each refresh downloads new or changed objects
// into MirrorDir and records the local path callers resolve to.
type Catalog struct {
	client    *s3.Client
	bucket    string
	prefix    string
	mirrorDir string
	interval  time.Duration

	mu      sync.RWMutex
	entries map[string]entry
}

// Config configures New.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	MirrorDir       string
	RefreshInterval time.Duration
}

// New builds a Catalog and performs one synchronous refresh so the
// first caller doesn't see an empty catalog while the background loop
// is still starting.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("templatecatalog: load aws config: %w", err)
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	c := &Catalog{
		client:    s3.NewFromConfig(awsCfg),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		mirrorDir: cfg.MirrorDir,
		interval:  interval,
		entries:   make(map[string]entry),
	}
	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("templatecatalog: initial refresh: %w", err)
	}
	return c, nil
}

// Run refreshes the catalog every interval until ctx is canceled.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				logging.Op().Error("templatecatalog: refresh failed", "error", err)
			}
		}
	}
}

// refresh lists every object under bucket/prefix, mirrors any new or
// changed object to mirrorDir, and rebuilds the template map keyed by
// the path segment immediately under prefix.
func (c *Catalog) refresh(ctx context.Context) error {
	c.mu.RLock()
	prev := c.entries
	c.mu.RUnlock()

	next := make(map[string]entry)
	var token *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name, kind, ok := parseTemplateKey(c.prefix, key)
			if !ok {
				continue
			}
			localPath := filepath.Join(c.mirrorDir, filepath.FromSlash(key))
			etag := strings.Trim(aws.ToString(obj.ETag), `"`)
			e, err := c.mirrorOne(ctx, key, localPath, etag, prev[name])
			if err != nil {
				logging.Op().Error("templatecatalog: mirror object failed, keeping previous entry", "key", key, "error", err)
				if old, ok := prev[name]; ok {
					next[name] = old
				}
				continue
			}
			e.kind = kind
			next[name] = e
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	c.mu.Lock()
	replaced := len(next) != len(c.entries)
	c.entries = next
	c.mu.Unlock()
	if replaced {
		logging.Op().Info("templatecatalog: refreshed", "templates", len(next))
	}
	return nil
}

// mirrorOne ensures localPath holds the bytes of key, downloading it
// when it's missing, when the bucket's ETag has moved on from what was
// last mirrored, or when the mirrored file's own content hash no
// longer matches what was recorded the last time it was fetched —
// catching local disk corruption between refresh cycles, not just
// staleness against the bucket.
func (c *Catalog) mirrorOne(ctx context.Context, key, localPath, etag string, prev entry) (entry, error) {
	needsFetch := prev.localPath == "" || prev.etag != etag
	if !needsFetch {
		if h, err := fsutil.HashFile(localPath); err != nil || h != prev.hash {
			logging.Op().Warn("templatecatalog: local mirror drift detected, refetching", "key", key, "path", localPath)
			needsFetch = true
		}
	}
	if !needsFetch {
		return prev, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return entry{}, fmt.Errorf("mkdir mirror dir: %w", err)
	}
	obj, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return entry{}, fmt.Errorf("get object: %w", err)
	}
	defer obj.Body.Close()

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return entry{}, fmt.Errorf("create mirror file: %w", err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return entry{}, fmt.Errorf("write mirror file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return entry{}, fmt.Errorf("close mirror file: %w", err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return entry{}, fmt.Errorf("install mirror file: %w", err)
	}

	hash, err := fsutil.HashFile(localPath)
	if err != nil {
		return entry{}, fmt.Errorf("hash mirror file: %w", err)
	}
	return entry{localPath: localPath, key: key, etag: etag, hash: hash}, nil
}

// parseTemplateKey extracts the template name and VmKind from an S3
// key shaped "<prefix><name>/<kind>.img".
func parseTemplateKey(prefix, key string) (name string, kind ttdef.VmKind, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	base := strings.TrimSuffix(path.Base(parts[1]), path.Ext(parts[1]))
	k, err := ttdef.ParseVmKind(base)
	if err != nil {
		return "", 0, false
	}
	return parts[0], k, true
}

// Resolve implements dispatch.ImageResolver: exact template-name lookup.
func (c *Catalog) Resolve(os string) (string, ttdef.VmKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[os]
	if !ok {
		return "", 0, false
	}
	return e.localPath, e.kind, true
}

// MatchPrefix implements dispatch.ImageResolver: every template whose
// name starts with prefix, for add_env's os_prefix+dup_each expansion.
func (c *Catalog) MatchPrefix(prefix string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string)
	for name, e := range c.entries {
		if strings.HasPrefix(name, prefix) {
			out[name] = e.localPath
		}
	}
	return out
}

// SupportedList implements dispatch.ImageResolver.
func (c *Catalog) SupportedList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	return out
}
