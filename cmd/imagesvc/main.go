package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mkrupp/resizecache/internal/infra/config"
	"github.com/mkrupp/resizecache/internal/infra/logging"
	"github.com/mkrupp/resizecache/internal/infra/transport/http"
	"github.com/mkrupp/resizecache/internal/repo/blob"
	"github.com/mkrupp/resizecache/internal/repo/index"
	"github.com/mkrupp/resizecache/internal/svc/imagesvc"
	"github.com/mkrupp/resizecache/internal/svc/uploadsvc"
)

const (
	appName = "resizecache"
	svcName = "imagesvc"
)

type AppOptions struct {
	// Name selects the application document `<name>.{toml,yaml,json}`
	Name string `env:"NAME" default:"resizecache"`

	// ConfigPath lists the directories searched for the application document
	ConfigPath string `env:"CONFIG_PATH" default:".:/etc/resizecache"`
}

type Config struct {
	config.EnvConfig

	Log       logging.LoggerConfig                `envPrefix:"LOG_"`
	App       AppOptions                          `envPrefix:"APP_"`
	Image     imagesvc.ImageConfig                `envPrefix:"IMAGE_"`
	ImageHTTP imagesvc.HTTPTransportConfig        `envPrefix:"IMAGE_HTTP_"`
	Upload    uploadsvc.UploadConfig              `envPrefix:"UPLOAD_"`
	Blob      blob.FileSystemBlobRepositoryConfig `envPrefix:"BLOB_"`
	Index     index.SQLiteIndexRepositoryConfig   `envPrefix:"INDEX_"`
}

func main() {
	var (
		cfg Config
		ctx = context.Background()

		configPrefix = strings.ToUpper(strings.Join([]string{appName, svcName}, "_"))
		loggerName   = strings.ToLower(strings.Join([]string{appName, svcName}, "."))
	)

	if err := config.Parse(ctx, &cfg, configPrefix); err != nil {
		panic(err)
	}

	logging.Configure(ctx, cfg.Log, loggerName)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) (err error) {
	log := logging.GetLogger("cmd.imagesvc")

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "error", "err", err)
		} else {
			log.InfoContext(ctx, "shutdown")
		}
	}()

	log.InfoContext(ctx, "starting", "namespace", cfg.Namespace(), "app", cfg.App.Name)

	appCfg, err := config.NewViperConfigProvider(filepath.SplitList(cfg.App.ConfigPath)...).Fetch(ctx, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("fetch app config: %w", err)
	}

	indexRepo, err := index.NewSQLiteIndexRepository(ctx, appCfg.DBTable, cfg.Index)
	if err != nil {
		return fmt.Errorf("new index repository: %w", err)
	}

	defer func() {
		if closeErr := indexRepo.Close(); closeErr != nil {
			log.WarnContext(ctx, "close index failed", "error", closeErr)
		}
	}()

	imageSvc, err := imagesvc.NewBlobImageService(
		ctx,
		blob.FileSystemBlobRepositoryFactory(cfg.Blob),
		indexRepo,
		appCfg,
		cfg.Image,
	)
	if err != nil {
		return fmt.Errorf("new image service: %w", err)
	}

	uploadSvc, err := uploadsvc.NewUploadService(cfg.Upload)
	if err != nil {
		return fmt.Errorf("new upload service: %w", err)
	}

	httpTransport := imagesvc.NewHTTPTransport(
		imageSvc,
		uploadSvc,
		appCfg.APIKey,
		appCfg.RawBucket,
		appCfg.UploadTTL,
		cfg.ImageHTTP,
	)

	if err := http.ListenAndServe(ctx, httpTransport, cfg.ImageHTTP.HTTPTransportConfig); err != nil {
		return fmt.Errorf("listen and serve: %w", err)
	}

	return nil
}
