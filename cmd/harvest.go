package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/archive"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/id/uuid"
)

type harvestFlags struct {
	url          string
	mode         string
	depth        int
	extractMedia bool
	output       string
	owner        string
}

func newHarvestCmd() *cobra.Command {
	var flags harvestFlags
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest one URL and write the results to a directory",
		Long: `Runs the full pipeline once for --url and writes index.html, content.txt,
metadata.json, assets.json, technologies.json, report.md and harvest.zip
into --output. Tech modes write technologies.json only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "page to harvest (required)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "content, media, full, tech or tech-detect (default from config)")
	cmd.Flags().IntVar(&flags.depth, "depth", 0, "link depth recorded on the job")
	cmd.Flags().BoolVar(&flags.extractMedia, "extract-media", false, "download assets in content mode")
	cmd.Flags().StringVar(&flags.output, "output", "harvest-output", "directory for the harvest files")
	cmd.Flags().StringVar(&flags.owner, "owner", "", "owner notified when the page changed")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runHarvest(cmd *cobra.Command, flags harvestFlags) error {
	a, err := appFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger
	ctx := cmd.Context()

	raw := flags.mode
	if raw == "" {
		raw = cfg.Harvest.DefaultMode
	}
	mode, ok := harvest.ParseMode(raw)
	if !ok {
		return fmt.Errorf("unknown mode %q", raw)
	}

	// One-shot runs keep jobs in memory; baselines and blobs follow the config.
	cfg.DB.DSN = ""
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	id, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := harvest.Job{
		ID:        id,
		URL:       flags.url,
		Status:    harvest.StatusRunning,
		Options:   harvest.Options{Mode: mode, Depth: flags.depth, ExtractMedia: flags.extractMedia},
		Owner:     flags.owner,
		CreatedAt: svc.clock.Now(),
	}
	start := time.Now()
	result, err := svc.pipeline.Run(ctx, job, nil)
	if err != nil {
		return fmt.Errorf("harvest %s (%s): %w", flags.url, harvest.Classify(err), err)
	}
	if err := svc.pipeline.Commit(ctx, job, result); err != nil {
		logger.Warn("commit change baseline", zap.Error(err))
	}

	files, err := harvestFiles(cmd, svc, result, mode)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(flags.output, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(flags.output, name), data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	logger.Info("harvest complete",
		zap.String("url", flags.url),
		zap.String("job_id", id),
		zap.String("output", flags.output),
		zap.Int("files", len(files)),
		zap.Int("assets", result.TotalAssets),
		zap.Bool("changed", result.Snapshot.Changed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func harvestFiles(cmd *cobra.Command, svc *services, result harvest.Result, mode harvest.Mode) (map[string][]byte, error) {
	files := map[string][]byte{}
	tech, err := json.MarshalIndent(result.Technologies, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode technologies: %w", err)
	}
	files["technologies.json"] = tech
	if mode == harvest.ModeTech {
		return files, nil
	}

	metadata, err := json.MarshalIndent(result.Metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	assetList, err := json.MarshalIndent(result.Assets, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode assets: %w", err)
	}
	files["index.html"] = []byte(result.HTML)
	files["content.txt"] = []byte(result.Content)
	files["metadata.json"] = metadata
	files["assets.json"] = assetList
	files["report.md"] = []byte(archive.Report(result))

	if result.ArchivePath != "" {
		data, err := svc.blobs.GetObject(cmd.Context(), result.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		files["harvest.zip"] = data
	}
	return files, nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
