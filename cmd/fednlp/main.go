// Package main is the fednlp CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/cli"
	"github.com/hyperjump/fednlp/internal/config"
	"github.com/hyperjump/fednlp/internal/extract"
	"github.com/hyperjump/fednlp/internal/pipeline"
	"github.com/hyperjump/fednlp/internal/transport"
	"github.com/hyperjump/fednlp/internal/watcher"
	"github.com/hyperjump/fednlp/internal/worker"
	"github.com/hyperjump/fednlp/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/fednlp/config.yaml"

var (
	errorColor  = color.New(color.FgRed, color.Bold)
	statusColor = color.New(color.FgGreen)
)

// loadConfig loads config from path. When path is the default and config.yaml exists in the
// current directory, that file is used instead.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func fail(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "worker":
		runWorker()
	case "deploy":
		runDeploy()
	case "run":
		runPipeline()
	case "ingest":
		runIngest()
	case "stats":
		runStats()
	case "version":
		fmt.Printf("fednlp %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		errorColor.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// setup parses the shared flags, loads the config and builds the local node.
func setup(fs *flag.FlagSet, args []string) (*Node, string) {
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fail("failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode, cfg.Worker.ID)
	if err != nil {
		fail("failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

	n, err := initializeNode(cfg, logger)
	if err != nil {
		fail("%v", err)
	}
	return n, resolved
}

func newServer(n *Node) *transport.Server {
	m := n.Metrics
	if !n.Config.Metrics.EnabledOrDefault() {
		m = nil
	}
	return transport.NewServer(n.Worker, n.Config.Worker.Host, n.Config.Worker.Port, n.Config.RPC.Timeout, m, n.Logger)
}

func runWorker() {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	n, _ := setup(fs, os.Args[2:])
	defer n.Logger.Sync()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dir := n.Config.Worker.StateInbox; dir != "" {
		inbox := watcher.NewWatcher(dir, n.Worker,
			watcher.WithLogger(n.Logger),
			watcher.WithOnLoad(func(path string, err error) {
				if err != nil {
					n.Logger.Warn("state file rejected", zap.String("path", path), zap.Error(err))
				}
			}),
		)
		if err := inbox.Start(ctx); err != nil {
			n.Logger.Fatal("failed to start state inbox", zap.Error(err))
		}
		defer inbox.Stop()
		inbox.SyncExistingFiles(ctx)
	}

	srv := newServer(n)
	go func() {
		if err := srv.Start(); err != nil {
			n.Logger.Fatal("server failed", zap.Error(err))
		}
	}()
	statusColor.Printf("worker %s listening on %s:%d\n", n.Worker.ID(), n.Config.Worker.Host, n.Config.Worker.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	n.Logger.Info("shutting down")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
}

func runDeploy() {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	target := fs.String("target", "", "worker to deploy the pipeline on (default: local worker)")
	n, _ := setup(fs, os.Args[2:])
	defer n.Logger.Sync()
	defer n.Close()

	l, err := buildLanguage(n)
	if err != nil {
		fail("%v", err)
	}
	defer l.Close()
	to := *target
	if to == "" {
		to = n.Worker.ID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.Config.RPC.Timeout)
	defer cancel()
	if err := l.Deploy(ctx, to); err != nil {
		fail("deploy to %s: %v", to, err)
	}
	statusColor.Printf("pipeline %s deployed on %s (%d components)\n", l.Name(), to, len(l.Names()))
}

func runPipeline() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	text := fs.String("text", "", "text to process on the local worker")
	file := fs.String("file", "", "file whose extracted text is processed on the local worker")
	ref := fs.String("ref", "", "text or document held by another worker, as worker:id")
	from := fs.String("from", "", "load the pipeline deployed on this worker instead of building it from config")
	take := fs.Bool("take", false, "move the resulting document to the local worker")
	serve := fs.Bool("serve", false, "serve the local worker while the run is in progress")
	output := fs.String("output", "text", "output format: text or json")
	n, _ := setup(fs, os.Args[2:])
	defer n.Logger.Sync()
	defer n.Close()

	format, err := cli.ParseFormat(*output)
	if err != nil {
		fail("%v", err)
	}
	in, err := runInput(*text, *file, *ref)
	if err != nil {
		fail("%v", err)
	}

	if *serve {
		srv := newServer(n)
		go func() {
			if err := srv.Start(); err != nil {
				n.Logger.Error("server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	ctx := context.Background()
	l, err := openLanguage(ctx, n, *from)
	if err != nil {
		fail("%v", err)
	}
	defer l.Close()

	out, err := l.Run(ctx, in)
	if err != nil {
		fail("run: %v", err)
	}
	report := cli.RunReport{RunID: out.RunID}
	switch {
	case out.Doc != nil:
		report = cli.NewRunReport(out.RunID, out.Doc)
	case *take:
		d, err := out.Ref.Take(ctx, n.Worker.Vocab(l.Name()))
		if err != nil {
			fail("take: %v", err)
		}
		report = cli.NewRunReport(out.RunID, d)
	default:
		r := out.Ref.Handle.Ref()
		report.Remote = &r
	}
	if err := cli.WriteRun(os.Stdout, report, format); err != nil {
		fail("%v", err)
	}
}

// runInput picks the run input from exactly one of the text, file and ref flags.
func runInput(text, file, ref string) (pipeline.Input, error) {
	set := 0
	for _, s := range []string{text, file, ref} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return pipeline.Input{}, fmt.Errorf("exactly one of -text, -file or -ref is required")
	}
	switch {
	case file != "":
		s, err := extract.NewExtractor().Extract(file)
		if err != nil {
			return pipeline.Input{}, err
		}
		return pipeline.Text(s), nil
	case ref != "":
		r, err := parseRef(ref)
		if err != nil {
			return pipeline.Input{}, err
		}
		return pipeline.Remote(r), nil
	}
	return pipeline.Text(text), nil
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	target := fs.String("worker", "", "worker that registers the texts")
	maxBytes := fs.Int64("max-bytes", 0, "skip files larger than this (0: no limit)")
	output := fs.String("output", "text", "output format: text or json")
	n, _ := setup(fs, os.Args[2:])
	defer n.Logger.Sync()
	defer n.Close()

	format, err := cli.ParseFormat(*output)
	if err != nil {
		fail("%v", err)
	}
	if *target == "" || fs.NArg() == 0 {
		fail("usage: fednlp ingest -worker <id> <path>...")
	}
	peer, err := ingestTarget(n, *target)
	if err != nil {
		fail("%v", err)
	}
	ex := extract.NewExtractor(extract.WithMaxBytes(*maxBytes), extract.WithLogger(n.Logger))
	files, err := ex.Ingest(context.Background(), peer, fs.Args()...)
	if werr := cli.WriteIngested(os.Stdout, *target, files, format); werr != nil {
		fail("%v", werr)
	}
	if err != nil {
		fail("%v", err)
	}
}

// ingestTarget resolves a worker that outlives this process; the local worker does not.
func ingestTarget(n *Node, id string) (worker.Peer, error) {
	if id == n.Worker.ID() {
		return nil, fmt.Errorf("texts registered on the local worker are lost when the command exits; choose a peer")
	}
	return n.Directory.Peer(id)
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	output := fs.String("output", "text", "output format: text or json")
	n, _ := setup(fs, os.Args[2:])
	defer n.Logger.Sync()
	defer n.Close()

	format, err := cli.ParseFormat(*output)
	if err != nil {
		fail("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.Config.RPC.Timeout)
	defer cancel()
	var stats []worker.Stats
	for _, id := range n.Directory.IDs() {
		if id == n.Worker.ID() {
			continue
		}
		p, err := n.Directory.Peer(id)
		if err != nil {
			continue
		}
		s, err := p.Stats(ctx)
		if err != nil {
			errorColor.Fprintf(os.Stderr, "%s: %v\n", id, err)
			continue
		}
		stats = append(stats, s)
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fail("%v", err)
	}
}

func printUsage() {
	fmt.Println(`fednlp - Privacy-preserving distributed NLP pipelines

Usage:
  fednlp worker [flags]                 Start a worker and serve it over HTTP
  fednlp deploy [flags]                 Deploy the configured pipeline on a worker
  fednlp run [flags]                    Run the pipeline on a text or remote object
  fednlp ingest [flags] <path>...       Register file contents as texts on a worker
  fednlp stats [flags]                  Show object counts of every peer
  fednlp version                        Show version
  fednlp help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/fednlp/config.yaml)
  --debug            Enable debug logging

Deploy Flags:
  --target string    Worker to deploy on (default: local worker)

Run Flags:
  --text string      Text to process on the local worker
  --file string      File to extract and process on the local worker
  --ref string       Remote text or document, as worker:id
  --from string      Load the pipeline deployed on this worker
  --take             Move the resulting document to the local worker
  --serve            Serve the local worker during the run
  --output string    Output format: text or json (default: text)

Ingest Flags:
  --worker string    Worker that registers the texts
  --max-bytes int    Skip larger files
  --output string    Output format: text or json (default: text)

Examples:
  fednlp worker --config carol.yaml
  fednlp deploy --target carol
  fednlp ingest --worker bob ./notes
  fednlp run --ref bob:01HZX5... --from carol --take
  fednlp run --text "I love apples" --output json
  fednlp stats`)
}
