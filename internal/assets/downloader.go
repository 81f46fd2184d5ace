// Package assets downloads the asset references of a harvested page into
// blob storage with bounded concurrency.
package assets

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
	"github.com/JakeFAU/goharvest/internal/metrics"
)

// Config tunes the downloader.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	Prefix      string
}

// Downloader fetches assets through a ResourceFetcher and stores them.
type Downloader struct {
	cfg     Config
	fetcher harvest.ResourceFetcher
	blobs   harvest.BlobStore
	logger  *zap.Logger
}

// New builds a Downloader. Concurrency defaults to 8 and Timeout to 30s.
func New(cfg Config, fetcher harvest.ResourceFetcher, blobs harvest.BlobStore, logger *zap.Logger) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "harvests"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, fetcher: fetcher, blobs: blobs, logger: logger.Named("assets")}
}

// DownloadAll returns one Asset per ref, in input order. Individual failures
// are recorded on the asset and never abort the batch.
func (d *Downloader) DownloadAll(ctx context.Context, jobID, baseURL string, refs []harvest.AssetRef) []harvest.Asset {
	out := make([]harvest.Asset, len(refs))
	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			out[i] = d.download(gctx, jobID, base, ref)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Downloader) download(ctx context.Context, jobID string, base *url.URL, ref harvest.AssetRef) harvest.Asset {
	asset := harvest.Asset{AssetRef: ref, Outcome: harvest.OutcomeFailed}

	u, err := url.Parse(strings.TrimSpace(ref.URL))
	if err != nil {
		return d.failed(asset, fmt.Errorf("parse asset url: %w", err))
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return d.failed(asset, fmt.Errorf("unsupported asset url %q", abs.String()))
	}
	asset.URL = abs.String()

	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	res, err := d.fetcher.FetchResource(fetchCtx, asset.URL)
	if err != nil {
		return d.failed(asset, err)
	}

	storagePath := path.Join(d.cfg.Prefix, jobID, "assets", FileName(asset.URL, ref.Type))
	storageRef, err := d.blobs.PutObject(ctx, storagePath, contentType(res.ContentType, storagePath), res.Body)
	if err != nil {
		return d.failed(asset, fmt.Errorf("store asset: %w", err))
	}

	asset.StoragePath = storagePath
	asset.StorageRef = storageRef
	asset.Size = int64(len(res.Body))
	asset.Outcome = harvest.OutcomeSuccess
	metrics.ObserveAsset(string(ref.Type), string(harvest.OutcomeSuccess), asset.Size)
	return asset
}

func (d *Downloader) failed(asset harvest.Asset, err error) harvest.Asset {
	asset.Outcome = harvest.OutcomeFailed
	asset.Error = err.Error()
	asset.StoragePath = ""
	asset.StorageRef = ""
	asset.Size = 0
	d.logger.Debug("asset download failed", zap.String("url", asset.URL), zap.Error(err))
	metrics.ObserveAsset(string(asset.Type), string(harvest.OutcomeFailed), 0)
	return asset
}

// FileName names a stored asset {type}_{sha256(url)[:16]}{ext}. The
// extension comes from the URL path, falling back to ".{type}".
func FileName(rawURL string, t harvest.AssetType) string {
	if t == "" {
		t = harvest.AssetOther
	}
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" || len(ext) > 6 {
		ext = "." + string(t)
	}
	return fmt.Sprintf("%s_%s%s", t, sha256.SumString(rawURL)[:16], ext)
}

func contentType(header, name string) string {
	if header != "" {
		return header
	}
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
