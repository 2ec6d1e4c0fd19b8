// Package main implements the cluebox storage engine manager.
//
// The manager runs the engine daemon (metadata store, blob store,
// image lifecycle cache, and admin API) and provides operator commands
// for migration, inspection, and blob maintenance against a data
// directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/cluebox/imagestore/blobstore"
	"github.com/cluebox/imagestore/config"
	"github.com/cluebox/imagestore/lifecycle"
	"github.com/cluebox/imagestore/metastore"
	"github.com/cluebox/imagestore/migrate"
	"github.com/cluebox/imagestore/server"
	"github.com/cluebox/imagestore/session"
	"github.com/cluebox/imagestore/tui"
)

// Options holds command-line options layered over the config file.
type Options struct {
	ConfigPath string
	DataDir    string
	LogLevel   string

	// serve
	Addr string

	// status
	StatusAddr string
	Key        string
	Watch      bool

	// image commands
	ImageKey string
	File     string
	Out      string
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	serveCmd   = flag.NewFlagSet("serve", flag.ExitOnError)
	migrateCmd = flag.NewFlagSet("migrate", flag.ExitOnError)
	statusCmd  = flag.NewFlagSet("status", flag.ExitOnError)
	putCmd     = flag.NewFlagSet("put-image", flag.ExitOnError)
	getCmd     = flag.NewFlagSet("get-image", flag.ExitOnError)
	deleteCmd  = flag.NewFlagSet("delete-image", flag.ExitOnError)
	verifyCmd  = flag.NewFlagSet("verify", flag.ExitOnError)
	resetCmd   = flag.NewFlagSet("session-reset", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var opts Options

	switch os.Args[1] {
	case "serve":
		parseServeFlags(&opts, serveCmd, os.Args[2:])
		if err := runServe(opts); err != nil {
			log.WithError(err).Fatal("serve failed")
		}
	case "migrate":
		parseCommonFlags(&opts, migrateCmd, os.Args[2:])
		if err := runMigrate(opts); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
	case "status":
		parseStatusFlags(&opts, statusCmd, os.Args[2:])
		if err := runStatus(opts); err != nil {
			log.WithError(err).Fatal("status failed")
		}
	case "put-image":
		parsePutImageFlags(&opts, putCmd, os.Args[2:])
		if err := runPutImage(opts); err != nil {
			log.WithError(err).Fatal("put-image failed")
		}
	case "get-image":
		parseGetImageFlags(&opts, getCmd, os.Args[2:])
		if err := runGetImage(opts); err != nil {
			log.WithError(err).Fatal("get-image failed")
		}
	case "delete-image":
		parseDeleteImageFlags(&opts, deleteCmd, os.Args[2:])
		if err := runDeleteImage(opts); err != nil {
			log.WithError(err).Fatal("delete-image failed")
		}
	case "verify":
		parseVerifyFlags(&opts, verifyCmd, os.Args[2:])
		if err := runVerify(opts); err != nil {
			log.WithError(err).Fatal("verify failed")
		}
	case "session-reset":
		parseCommonFlags(&opts, resetCmd, os.Args[2:])
		if err := runSessionReset(opts); err != nil {
			log.WithError(err).Fatal("session reset failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Cluebox Storage Engine Manager")
	fmt.Println()
	fmt.Println("Usage: cluebox-manager <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve             Run the engine daemon and admin API")
	fmt.Println("  migrate           Run the legacy inline-image migration")
	fmt.Println("  status            Show cache status from a running daemon")
	fmt.Println("  put-image         Store an image blob directly")
	fmt.Println("  get-image         Fetch an image blob directly")
	fmt.Println("  delete-image      Delete an image blob directly")
	fmt.Println("  verify            Check record references against stored blobs")
	fmt.Println("  session-reset     Delete per-student records")
	fmt.Println()
	fmt.Println("Run 'cluebox-manager <command> --help' for more information on a command.")
}

func addCommonFlags(opts *Options, fs *flag.FlagSet) {
	fs.StringVar(&opts.ConfigPath, "config", "", "Config file path (default $CLUEBOX_CONFIG)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Data directory (overrides config)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func parseCommonFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.Parse(args)
}

func parseServeFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.StringVar(&opts.Addr, "addr", "", "Listen address (overrides config)")
	fs.Parse(args)
}

func parseStatusFlags(opts *Options, fs *flag.FlagSet, args []string) {
	fs.StringVar(&opts.StatusAddr, "addr", config.DefaultAddr, "Daemon address")
	fs.StringVar(&opts.Key, "key", "", "Instructor password")
	fs.BoolVar(&opts.Watch, "watch", false, "Live dashboard, refreshed continuously")
	fs.Parse(args)
}

func parsePutImageFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.StringVar(&opts.ImageKey, "key", "", "Image key (required)")
	fs.StringVar(&opts.File, "file", "", "File holding the image payload, or - for stdin (required)")
	fs.Parse(args)

	if opts.ImageKey == "" || opts.File == "" {
		fmt.Println("Error: --key and --file are required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseGetImageFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.StringVar(&opts.ImageKey, "key", "", "Image key (required)")
	fs.StringVar(&opts.Out, "out", "", "Write the payload to this file instead of stdout")
	fs.Parse(args)

	if opts.ImageKey == "" {
		fmt.Println("Error: --key is required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseDeleteImageFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.StringVar(&opts.ImageKey, "key", "", "Image key (required)")
	fs.Parse(args)

	if opts.ImageKey == "" {
		fmt.Println("Error: --key is required")
		fs.Usage()
		os.Exit(1)
	}
}

// loadConfig layers command-line overrides on top of the config file.
func loadConfig(opts Options) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	return cfg, nil
}

func setupLogger(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return nil
}

// openBlobs opens the configured blob backend: the local bbolt file by
// default, S3 when enabled.
func openBlobs(ctx context.Context, cfg config.Config) (blobstore.Store, func() error, error) {
	if cfg.S3.Enabled {
		s, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Region: cfg.S3.Region,
			Bucket: cfg.S3.Bucket,
			Prefix: cfg.S3.Prefix,
			Logger: log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}

	b, err := blobstore.OpenBolt(blobstore.BoltConfig{
		Path:   cfg.BlobDBPath(),
		Logger: log,
	})
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

func openMeta(cfg config.Config) (*metastore.Store, error) {
	mcfg := metastore.DefaultConfig()
	mcfg.Path = cfg.MetaDBPath()
	mcfg.Logger = log
	return metastore.Open(mcfg)
}

// runServe starts the engine daemon: it opens the stores, runs the
// one-shot migration before the first image load, and serves the admin
// API until interrupted.
func runServe(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := openMeta(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	cache, err := lifecycle.New(blobs, lifecycle.Config{
		MaxResident:   cfg.Cache.MaxResident,
		StaleAfter:    cfg.StaleAfter(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        log,
		Metrics:       lifecycle.NewMetrics(registry),
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	migrator := migrate.New(meta, blobs, log)

	// Migration must finish before any view can load an image, so it
	// runs before the listener opens.
	result, err := migrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup migration failed: %w", err)
	}
	if !result.AlreadyComplete && !result.OK() {
		log.WithField("failures", len(result.Failures)).Warn("migration finished with failures; affected images stay inline")
	}

	sessions := session.New(meta, cache, log)

	srv := server.New(server.Deps{
		Cache:        cache,
		Blobs:        blobs,
		Migrator:     migrator,
		Sessions:     sessions,
		PasswordHash: cfg.Server.PasswordHash,
		Gatherer:     registry,
		Logger:       log,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("admin API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// runMigrate runs the legacy-image migration against the data
// directory and prints the structured result.
func runMigrate(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()

	meta, err := openMeta(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	result, err := migrate.New(meta, blobs, log).Run(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.OK() {
		return fmt.Errorf("migration finished with %d failures", len(result.Failures))
	}
	return nil
}

// fetchStatus asks a running daemon for its cache status.
func fetchStatus(addr, key string) (lifecycle.Status, error) {
	var status lifecycle.Status

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return status, err
	}
	if key != "" {
		req.Header.Set("X-Instructor-Key", key)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return status, fmt.Errorf("daemon answered %s: %s", resp.Status, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, err
	}
	return status, nil
}

func runStatus(opts Options) error {
	if opts.Watch {
		model := tui.NewStatusModel(func() (lifecycle.Status, error) {
			return fetchStatus(opts.StatusAddr, opts.Key)
		}, 2*time.Second)
		_, err := tea.NewProgram(model).Run()
		return err
	}

	status, err := fetchStatus(opts.StatusAddr, opts.Key)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPutImage(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	var data []byte
	if opts.File == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(opts.File)
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	ctx := context.Background()
	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	if err := blobs.Put(ctx, opts.ImageKey, string(data)); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"key":  opts.ImageKey,
		"size": len(data),
	}).Info("image stored")
	return nil
}

func runGetImage(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	data, err := blobs.Get(ctx, opts.ImageKey)
	if err != nil {
		return err
	}

	if opts.Out == "" {
		fmt.Print(data)
		return nil
	}
	return os.WriteFile(opts.Out, []byte(data), 0o644)
}

func runDeleteImage(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	if err := blobs.Delete(ctx, opts.ImageKey); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}
	log.WithField("key", opts.ImageKey).Info("image deleted")
	return nil
}

// runSessionReset unconditionally deletes the per-student records, as
// if a new session had just been observed. Instructor content is never
// touched.
func runSessionReset(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	meta, err := openMeta(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	// The daemon owns the live cache; an offline reset has no resident
	// images to drop.
	cache, err := lifecycle.New(blobstore.NewMemory(), lifecycle.Config{SweepInterval: -1, Logger: log})
	if err != nil {
		return err
	}

	if err := session.New(meta, cache, log).InitializeFresh(); err != nil {
		return err
	}
	log.Info("per-student records deleted")
	return nil
}
