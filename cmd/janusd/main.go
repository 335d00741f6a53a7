// Package main implements the Janus mass-flasher daemon.
//
// janusd drives parallel SD-card flashing pipelines from a single
// operator console: it serves the REST+SSE API, owns the job
// orchestration core, and ships a terminal dashboard for headless
// hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	janus "github.com/maksidze/janus"
	"github.com/maksidze/janus/api"
	"github.com/maksidze/janus/events"
	"github.com/maksidze/janus/flash"
	"github.com/maksidze/janus/inventory"
	"github.com/maksidze/janus/jobs"
	"github.com/maksidze/janus/layout"
	"github.com/maksidze/janus/tui"
)

// Config holds daemon configuration.
type Config struct {
	// Server
	ListenAddr string

	// Storage
	DataDir   string
	ImagesDir string

	// Flash
	BlockSize    string
	RescueWriter bool

	// Logging
	LogLevel string

	// Monitor
	ServerURL string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8000",
		DataDir:    "data",
		BlockSize:  "4M",
		LogLevel:   "info",
		ServerURL:  "http://127.0.0.1:8000",
	}
}

var (
	log = logrus.New()

	serveCmd      = flag.NewFlagSet("serve", flag.ExitOnError)
	monitorCmd    = flag.NewFlagSet("monitor", flag.ExitOnError)
	listDrivesCmd = flag.NewFlagSet("list-drives", flag.ExitOnError)
	listImagesCmd = flag.NewFlagSet("list-images", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "serve":
		parseServeFlags(&config, serveCmd, os.Args[2:])
		if err := runServe(config); err != nil {
			log.WithError(err).Fatal("daemon failed")
		}
	case "monitor":
		parseMonitorFlags(&config, monitorCmd, os.Args[2:])
		if err := runMonitor(config); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "list-drives":
		parseListFlags(&config, listDrivesCmd, os.Args[2:])
		if err := runListDrives(config); err != nil {
			log.WithError(err).Fatal("failed to list drives")
		}
	case "list-images":
		parseListFlags(&config, listImagesCmd, os.Args[2:])
		if err := runListImages(config); err != nil {
			log.WithError(err).Fatal("failed to list images")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Janus — SD Card Mass Flasher")
	fmt.Println()
	fmt.Println("Usage: janusd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Run the flasher daemon (REST + SSE API)")
	fmt.Println("  monitor       Terminal dashboard for a running daemon")
	fmt.Println("  list-drives   Print connected block devices")
	fmt.Println("  list-images   Print the image catalog")
	fmt.Println()
	fmt.Println("Run 'janusd <command> --help' for more information on a command.")
}

func parseServeFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory (layout.json)")
	fs.StringVar(&cfg.ImagesDir, "images-dir", cfg.ImagesDir, "Images directory (or JANUS_IMAGES_DIR)")
	fs.StringVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "dd block size")
	fs.BoolVar(&cfg.RescueWriter, "rescue-writer", cfg.RescueWriter, "Use ddrescue for raw images")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

func parseMonitorFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Base URL of the running daemon")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)
}

func parseListFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.ImagesDir, "images-dir", cfg.ImagesDir, "Images directory (or JANUS_IMAGES_DIR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func runServe(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	// Raw block devices normally need root. Warn and keep going so the
	// API and inventory still work for read-only exploration.
	if os.Geteuid() != 0 {
		log.Warn("not running as root: USB access may be limited and flashing may fail")
	} else {
		log.Info("running as root: full USB access enabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	bus := events.New(log)
	layouts := layout.NewStore(cfg.DataDir, log)
	layouts.Current() // initialize layout.json on first start

	inv := inventory.New(inventory.Config{ImagesDir: cfg.ImagesDir}, log)
	runner := flash.NewRunner(flash.Config{
		BlockSize:    cfg.BlockSize,
		RescueWriter: cfg.RescueWriter,
	}, log)

	manager, err := jobs.New(jobs.Dependencies{
		Bus:       bus,
		Layouts:   &layoutProvider{store: layouts},
		Inventory: inv,
		Flash:     runner,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	server := api.NewServer(manager, layouts, inv, bus, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"listen":     cfg.ListenAddr,
			"data_dir":   cfg.DataDir,
			"images_dir": inv.ImagesDir(),
		}).Info("janusd serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// layoutProvider adapts the layout store to the manager's Layouts
// dependency.
type layoutProvider struct {
	store *layout.Store
}

func (p *layoutProvider) Current() janus.Layout {
	return p.store.Current()
}

func runMonitor(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	return tui.Run(context.Background(), cfg.ServerURL)
}

func runListDrives(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	inv := inventory.New(inventory.Config{ImagesDir: cfg.ImagesDir}, log)
	drives, err := inv.ListDrives(context.Background(), false)
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %-10s %-20s %-10s %-6s %-6s\n", "DEVICE", "SIZE", "MODEL", "SERIAL", "RM", "SYS")
	for _, d := range drives {
		fmt.Printf("%-12s %-10s %-20s %-10s %-6v %-6v\n",
			d.DevicePath, d.SizeHuman, d.Model, d.Serial, d.Removable, d.IsSystem)
	}
	return nil
}

func runListImages(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	inv := inventory.New(inventory.Config{ImagesDir: cfg.ImagesDir}, log)
	images, err := inv.ListImages()
	if err != nil {
		return err
	}
	fmt.Printf("%-40s %-10s %-10s\n", "NAME", "SIZE", "TYPE")
	for _, img := range images {
		fmt.Printf("%-40s %-10s %-10s\n", img.Name, img.SizeHuman, img.ImgType)
	}
	return nil
}
