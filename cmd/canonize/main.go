package main

import (
	"canonize/internal/canon"
	"canonize/internal/contract"
	"canonize/internal/logging"
	"canonize/internal/repair"
	"canonize/internal/rules"
	"canonize/internal/sandbox"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose       bool
	contractPath  string
	dbPath        string
	timeout       time.Duration
	maxIterations int
	parallelism   int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "canonize",
	Short: "canonize - contract-anchored program canonicalization and repair",
	Long: `canonize establishes a canonical reference implementation per contract and
repairs later candidates toward it with validated, monotonic rewrites.

A contract names an entry point, oracle cases, and an error-boundary policy.
The first qualifying candidate becomes the canon; every later candidate is
diffed against it structurally, rewritten rule by rule, and re-validated so
its distance to the canon only ever shrinks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.Init(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// runCmd processes a fixed batch of candidate files
var runCmd = &cobra.Command{
	Use:   "run [candidate files or directories]",
	Short: "Repair a batch of candidates against a contract",
	Long: `Processes candidate Go files through the full pipeline:
  1. Oracle: reject candidates whose behavior fails the contract
  2. Canon: the earliest qualifying candidate becomes the anchor
  3. Repair: diff, rewrite, validate until stable or the bound is hit

Candidates are ordered lexically by path; that order fixes which one may
become the canon. Reports are written to stdout as a JSON array.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

// watchCmd repairs candidates as they appear in a drop directory
var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Watch a directory and repair candidates as they arrive",
	Long: `Watches a drop directory for new or rewritten .go files and runs each one
through the pipeline as it lands. The first qualifying file establishes the
canon; every later file is repaired against it. One JSON report per file is
written to stdout. Stop with SIGINT or SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// canonCmd prints the persisted canon for a contract
var canonCmd = &cobra.Command{
	Use:   "canon",
	Short: "Show the latest persisted canon snapshot for the contract",
	RunE:  showCanon,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&contractPath, "contract", "c", "", "Contract YAML file (required)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite path for canon snapshots (omit for in-memory only)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", sandbox.DefaultTimeout, "Per-invocation sandbox timeout")

	runCmd.Flags().IntVar(&maxIterations, "max-iterations", repair.DefaultMaxIterations, "Repair loop iteration bound")
	runCmd.Flags().IntVar(&parallelism, "parallel", repair.DefaultParallelism, "Concurrent candidate repairs")
	watchCmd.Flags().IntVar(&maxIterations, "max-iterations", repair.DefaultMaxIterations, "Repair loop iteration bound")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(canonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildPipeline loads the contract and assembles the orchestrator stack
// shared by run and watch.
func buildPipeline() (contract.Contract, *repair.Orchestrator, *canon.SQLiteSink, error) {
	if contractPath == "" {
		return contract.Contract{}, nil, nil, fmt.Errorf("--contract is required")
	}
	c, err := contract.Load(contractPath)
	if err != nil {
		return contract.Contract{}, nil, nil, fmt.Errorf("load contract: %w", err)
	}

	var sink canon.Sink
	var store *canon.SQLiteSink
	if dbPath != "" {
		store, err = canon.NewSQLiteSink(dbPath)
		if err != nil {
			return contract.Contract{}, nil, nil, fmt.Errorf("open snapshot store: %w", err)
		}
		sink = store
	}

	orch := repair.New(repair.Config{
		Runner:        sandbox.NewRunner(timeout),
		Registry:      rules.NewDefaultRegistry(),
		Sink:          sink,
		MaxIterations: maxIterations,
	})
	return c, orch, store, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	c, orch, store, err := buildPipeline()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	paths, err := collectCandidates(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no candidate .go files found")
	}

	candidates := make([]repair.Candidate, 0, len(paths))
	for i, path := range paths {
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read candidate %s: %w", path, err)
		}
		candidates = append(candidates, repair.Candidate{
			ID:     path,
			Seq:    uint64(i),
			Source: string(source),
		})
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stream := repair.NewStream(orch, parallelism)
	reports, err := stream.Process(ctx, c, candidates)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	stats := orch.Stats()
	logger.Info("batch complete",
		zap.String("contract", c.ID),
		zap.Int("candidates", stats.Candidates),
		zap.Int("canons", stats.CanonsEstablished),
		zap.Int("stable", stats.Stable),
		zap.Int("rejected", stats.Rejected),
		zap.Int("bound_exceeded", stats.BoundExceeded),
		zap.Int("committed_rewrites", stats.CommittedRewrites))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, orch, store, err := buildPipeline()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	dir := args[0]
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch target %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.Info("watching for candidates",
		zap.String("dir", dir), zap.String("contract", c.ID))

	var seq atomic.Uint64
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(event.Name) != ".go" {
				continue
			}
			// Editors fire Write before the file is fully flushed; a short
			// settle delay avoids reading half a candidate.
			time.Sleep(100 * time.Millisecond)
			source, err := os.ReadFile(event.Name)
			if err != nil {
				logger.Warn("candidate not readable",
					zap.String("path", event.Name), zap.Error(err))
				continue
			}
			report, err := orch.Process(ctx, c, repair.Candidate{
				ID:     event.Name,
				Seq:    seq.Add(1) - 1,
				Source: string(source),
			})
			if err != nil {
				logger.Warn("candidate not processed",
					zap.String("path", event.Name), zap.Error(err))
				continue
			}
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
	}
}

func showCanon(cmd *cobra.Command, args []string) error {
	if contractPath == "" {
		return fmt.Errorf("--contract is required")
	}
	if dbPath == "" {
		return fmt.Errorf("--db is required to read persisted canons")
	}
	c, err := contract.Load(contractPath)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	store, err := canon.NewSQLiteSink(dbPath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	snap, err := store.Latest(cmd.Context(), c.ID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// collectCandidates expands file and directory arguments into a lexically
// ordered list of .go files. Order matters: it fixes the seq numbering and
// therefore which candidate may become the canon.
func collectCandidates(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("candidate dir %s: %w", arg, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
				continue
			}
			paths = append(paths, filepath.Join(arg, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
