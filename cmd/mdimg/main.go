package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lrhtony/Typora-image-uploader/internal/config"
	"github.com/lrhtony/Typora-image-uploader/internal/repository"
	"github.com/lrhtony/Typora-image-uploader/internal/service"
	"github.com/lrhtony/Typora-image-uploader/pkg/logger"
)

func main() {
	var (
		file    string
		cfgPath string
		scan    bool
		quality int
	)

	pflag.StringVarP(&file, "file", "f", "", "markdown document whose name and date pick the remote subdirectory")
	pflag.StringVar(&cfgPath, "config", "config.yaml", "path to the configuration file")
	pflag.BoolVar(&scan, "scan", false, "also upload every image referenced by the markdown document")
	pflag.IntVar(&quality, "quality", 0, "lossy WebP quality (overrides the configured value)")
	pflag.Parse()

	log, err := logger.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "CRITICAL: failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	log = log.With(zap.String("run_id", uuid.NewString()))

	store, err := config.NewFileStore(cfgPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	cfg, err := store.Config()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	if err := applyQualityOverride(cfg, quality); err != nil {
		log.Fatal("invalid flags", zap.Error(err))
	}

	var repo repository.Repository
	switch cfg.Storage.Backend {
	case config.BackendOneDrive:
		repo, err = repository.NewDriveRepository(store, log)
	case config.BackendS3:
		repo, err = repository.NewS3Repository(&cfg.S3, log)
	}
	if err != nil {
		log.Fatal("failed to create storage client", zap.Error(err))
	}

	svc := service.NewUploadService(repo, cfg, os.Stdout, log)

	opts := service.Options{
		MarkdownFile: file,
		Scan:         scan,
		Images:       pflag.Args(),
	}

	if err := svc.Run(context.Background(), opts); err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
}

// applyQualityOverride replaces the configured lossy quality with the
// flag value, enforcing the same bounds the config file is held to.
// A zero value means the flag was not given.
func applyQualityOverride(cfg *config.Config, quality int) error {
	if quality == 0 {
		return nil
	}
	if quality < 1 || quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", quality)
	}
	cfg.Upload.Quality = quality
	return nil
}
