// Package archive packages harvest output into reproducible zip archives and
// renders the markdown harvest report.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
)

// IndexName is the archive entry holding the page document.
const IndexName = "index.html"

// modTime is stamped on every entry so identical input yields identical bytes.
var modTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Exporter builds archives from stored assets and persists them.
type Exporter struct {
	blobs  harvest.BlobStore
	prefix string
	logger *zap.Logger
}

// NewExporter returns an Exporter writing under prefix.
func NewExporter(blobs harvest.BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if prefix == "" {
		prefix = "harvests"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{blobs: blobs, prefix: prefix, logger: logger.Named("archive")}
}

// Path is the storage path of a job's archive.
func (e *Exporter) Path(jobID string) string {
	return path.Join(e.prefix, jobID, "harvest.zip")
}

// Export builds the archive for a job and stores it. It returns the storage
// reference and path.
func (e *Exporter) Export(ctx context.Context, jobID, pageURL string, html []byte, assets []harvest.Asset) (string, string, error) {
	data, err := e.Build(ctx, pageURL, html, assets)
	if err != nil {
		return "", "", err
	}
	p := e.Path(jobID)
	ref, err := e.blobs.PutObject(ctx, p, "application/zip", data)
	if err != nil {
		return "", "", fmt.Errorf("store archive: %w", err)
	}
	return ref, p, nil
}

// Build returns zip bytes holding index.html plus one entry per successfully
// downloaded asset. Assets whose bytes cannot be read are skipped.
func (e *Exporter) Build(ctx context.Context, pageURL string, html []byte, assets []harvest.Asset) ([]byte, error) {
	entries := map[string][]byte{IndexName: html}
	pageHost := ""
	if u, err := url.Parse(pageURL); err == nil {
		pageHost = strings.ToLower(u.Hostname())
	}

	for _, asset := range assets {
		if asset.Outcome != harvest.OutcomeSuccess || asset.StoragePath == "" {
			continue
		}
		data, err := e.blobs.GetObject(ctx, asset.StoragePath)
		if err != nil {
			e.logger.Warn("skip asset in archive",
				zap.String("url", asset.URL),
				zap.String("storage_path", asset.StoragePath),
				zap.Error(err),
			)
			continue
		}
		name := EntryName(pageHost, asset)
		if _, taken := entries[name]; taken {
			name = disambiguate(name, asset.URL, entries)
		}
		entries[name] = data
	}
	return Zip(entries)
}

// disambiguate derives a free entry name for an asset whose path collides
// with an earlier one, e.g. URLs differing only in their query string. The
// suffix comes from the asset URL so the same input names entries the same.
func disambiguate(name, assetURL string, entries map[string][]byte) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext) + "_" + sha256.SumString(assetURL)[:16]
	candidate := stem + ext
	for i := 2; ; i++ {
		if _, taken := entries[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// EntryName places an asset at its URL path, under its host when the host
// differs from the page host. Assets without a usable path fall back to
// their storage file name.
func EntryName(pageHost string, asset harvest.Asset) string {
	u, err := url.Parse(asset.URL)
	if err != nil {
		return path.Join("assets", path.Base(asset.StoragePath))
	}
	p := path.Clean("/" + u.Path)
	if p == "/" || strings.HasSuffix(u.Path, "/") {
		p = path.Join(path.Dir(p+"/x"), path.Base(asset.StoragePath))
	}
	p = strings.TrimPrefix(p, "/")
	if host := strings.ToLower(u.Hostname()); host != "" && host != pageHost {
		p = path.Join(host, p)
	}
	if p == IndexName {
		p = path.Join("assets", path.Base(asset.StoragePath))
	}
	return p
}

// Zip writes entries in name order with fixed timestamps.
func Zip(entries map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modTime}
		header.SetMode(0o644)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
