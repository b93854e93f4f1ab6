// imagectl derives content keys and fills the derived-image cache from the command line.
//
//	imagectl [flags] SOURCE_ID WxH...
//
// With --derive-only the keys are computed without touching storage. Otherwise the raw
// image is read from the blob directory and every missing derived image is produced,
// exactly as the image service would. One key is printed per line, in argument order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/config"
	"github.com/mkrupp/resizecache/internal/infra/logging"
	"github.com/mkrupp/resizecache/internal/repo/blob"
	"github.com/mkrupp/resizecache/internal/repo/index"
	"github.com/mkrupp/resizecache/internal/svc/imagesvc"
)

var errUsage = errors.New("usage: imagectl [flags] SOURCE_ID WxH...")

type options struct {
	app          string
	configPath   string
	blobDir      string
	indexDB      string
	keyEncoding  string
	interpolator string
	logLevel     string
	deriveOnly   bool
}

func printHelp(flagSet *pflag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [flags] SOURCE_ID WxH...\n\nFlags:\n", flagSet.Name())
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()

	if errors.Is(err, pflag.ErrHelp) {
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("imagectl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.app, "app", "resizecache", "application document name")
	flagSet.StringVar(&opts.configPath, "config-path", ".", "directories searched for the application document")
	flagSet.StringVar(&opts.blobDir, "blob-dir", "var/storage/blob", "base directory of the blob buckets")
	flagSet.StringVar(&opts.indexDB, "index-db", "var/storage/index.db", "path to the SQLite index")
	flagSet.StringVar(&opts.keyEncoding, "key-encoding", imagesvc.KeyEncodingLegacy, "content key encoding (legacy, delimited)")
	flagSet.StringVar(&opts.interpolator, "interpolator", "catmullrom", "scaling algorithm")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	flagSet.BoolVar(&opts.deriveOnly, "derive-only", false, "print keys without producing images")
	flagSet.Usage = func() { printHelp(flagSet, stderr) }

	if err := flagSet.Parse(args); err != nil {
		return err //nolint:wrapcheck
	}

	if flagSet.NArg() < 2 { //nolint:mnd
		printHelp(flagSet, stderr)

		return errUsage
	}

	sourceID := flagSet.Arg(0)

	specs := make([]domain.TransformSpec, 0, flagSet.NArg()-1)

	for _, arg := range flagSet.Args()[1:] {
		spec, err := domain.ParseTransformSpec(arg)
		if err != nil {
			return fmt.Errorf("parse %q: %w", arg, err)
		}

		specs = append(specs, spec)
	}

	//nolint:exhaustruct
	logging.Configure(ctx, logging.LoggerConfig{Level: opts.logLevel, OutputHandle: stderr}, "imagectl")

	var (
		keys []domain.ContentKey
		err  error
	)

	if opts.deriveOnly {
		keys, err = derive(sourceID, specs, opts)
	} else {
		keys, err = process(ctx, sourceID, specs, opts)
	}

	if err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := fmt.Fprintln(stdout, key); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	return nil
}

func derive(sourceID string, specs []domain.TransformSpec, opts options) ([]domain.ContentKey, error) {
	deriveKey, err := imagesvc.GetKeyDeriverByName(opts.keyEncoding)
	if err != nil {
		return nil, fmt.Errorf("get key deriver: %w", err)
	}

	keys := make([]domain.ContentKey, len(specs))
	for i, spec := range specs {
		keys[i] = deriveKey(sourceID, spec)
	}

	return keys, nil
}

func process(
	ctx context.Context,
	sourceID string,
	specs []domain.TransformSpec,
	opts options,
) (keys []domain.ContentKey, err error) {
	appCfg, err := config.NewViperConfigProvider(filepath.SplitList(opts.configPath)...).Fetch(ctx, opts.app)
	if err != nil {
		return nil, fmt.Errorf("fetch app config: %w", err)
	}

	//nolint:exhaustruct
	indexRepo, err := index.NewSQLiteIndexRepository(ctx, appCfg.DBTable, index.SQLiteIndexRepositoryConfig{
		DatabasePath: opts.indexDB,
	})
	if err != nil {
		return nil, fmt.Errorf("new index repository: %w", err)
	}

	defer func() {
		err = errors.Join(err, indexRepo.Close())
	}()

	imageSvc, err := imagesvc.NewBlobImageService(
		ctx,
		blob.FileSystemBlobRepositoryFactory(blob.FileSystemBlobRepositoryConfig{Basedir: opts.blobDir}),
		indexRepo,
		appCfg,
		imagesvc.ImageConfig{
			Interpolator:     opts.interpolator,
			KeyEncoding:      opts.keyEncoding,
			MaxPixels:        imagesvc.DefaultMaxPixels,
			EventConcurrency: 1,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("new image service: %w", err)
	}

	keys, err = imageSvc.ProcessBatch(ctx, sourceID, specs)
	if err != nil {
		return nil, fmt.Errorf("process batch: %w", err)
	}

	return keys, nil
}
