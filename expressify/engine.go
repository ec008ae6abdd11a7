package expressify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	displayServerHost  = "localhost"
	defaultValueMaxLen = 1024
)

// StorageProvider supplies the persistent store behind the transform cache.
type StorageProvider interface {
	// NewStorage returns the store, or nil when results should only be kept in memory.
	NewStorage() (Storage, error)
}

// DefaultStorageProvider opens a badger store in Path, or keeps results in memory when Path is empty.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.Path == "" {
		return nil, nil
	}
	store, err := NewBadgerStorage(d.Path, d.CacheMB)
	if err != nil {
		return nil, err
	}
	// entries of other transform versions are never read, keep them apart so they can be cleared
	return KeyPrefixStorage(store, transformVersion), nil
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// Engine discovers display functions in a project, transforms them, and writes or runs the result.
type Engine struct {
	Config          *Config
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
	// Output receives the diff and the values displayed by a monitored run.
	Output io.Writer
}

// NewEngine creates an Engine with default providers.
func NewEngine(config *Config) *Engine {
	return &Engine{
		Config:       config,
		ReportWriter: &DefaultReportWriter{},
		Output:       os.Stdout,
	}
}

// Run executes the transform workflow.
func (e *Engine) Run() error {
	startTime := time.Now()

	if err := e.Config.Prepare(); err != nil {
		return err
	}
	goenv := GoEnv(e.Config.Gopath, e.Config.Gomodcache)
	if e.Config.Restore {
		restored, err := RestoreBackups(e.Config.AbsProjDir)
		if err != nil {
			return fmt.Errorf("error restoring sources: %w", err)
		}
		log.Printf("Restored file count: %d", restored)
		if restored > 0 {
			return goCacheClean(goenv)
		}
		return nil
	}

	storageProvider := e.StorageProvider
	if storageProvider == nil {
		defaultProvider := &DefaultStorageProvider{CacheMB: e.Config.CacheMB}
		if !e.Config.NoCache {
			defaultProvider.Path = e.Config.CacheDir
		}
		storageProvider = defaultProvider
	}
	store, err := storageProvider.NewStorage()
	if err != nil {
		return fmt.Errorf("error opening transform cache: %w", err)
	}
	codec, err := e.Config.Codec()
	if err != nil {
		return err
	}
	cache := NewTransformCache(store, codec)
	defer cache.Close()
	if store != nil {
		log.Printf("Transform cache: %s (%s)", e.Config.CacheDir, codec)
	}
	loader, err := NewPackageLoader(goenv, e.Config.CacheMB)
	if err != nil {
		return err
	}
	defer loader.Close()

	discovered, err := DiscoverTargets(e.Config.AbsProjDir, goenv, e.Config.Packages)
	if err != nil {
		return fmt.Errorf("error discovering display functions: %w", err)
	}
	targets := mergeTargets(discovered, e.Config.Targets)
	log.Printf("Display function count: %d", len(targets))

	transformer := NewTransformer(loader, cache)
	functions, failed, err := transformAll(transformer, targets)
	transformEndTime := time.Now()
	if err != nil {
		return err
	}
	stats := transformer.Stats()
	log.Printf("Transformed %d functions (cache hits: %d, recompiles: %d)",
		len(functions), stats.CacheHits, stats.Recompiles)

	result := RunResult{
		StartTime:         startTime,
		TransformDuration: transformEndTime.Sub(startTime),
		ModulePath:        e.Config.ModulePath,
		GoVersion:         e.Config.GoVersion,
		Mode:              e.Config.Mode,
		Stats:             stats,
		Functions:         functions,
		Failed:            failed,
	}
	if len(functions) == 0 {
		log.Printf("No functions to rewrite, exiting")
		return e.ReportWriter.WriteReportFiles(e.Config.ReportJsonFile, e.Config.ReportChartsFile, result)
	}

	modifier := NewSourceModifier(e.Config.MonitorPort, e.Config.Sink, defaultValueMaxLen)
	for _, rf := range functions {
		if err := modifier.AddFunction(rf); err != nil {
			return err
		}
	}

	var overlayFile string
	switch e.Config.Mode {
	case ModeDiff:
		diff, err := modifier.Diff(e.Config.AbsProjDir)
		if err != nil {
			return fmt.Errorf("error rendering diff: %w", err)
		}
		_, _ = io.WriteString(e.Output, diff)
	case ModeOverlay:
		overlayFile, err = modifier.CommitOverlay(e.Config.OverlayDir)
		if err != nil {
			return fmt.Errorf("error writing overlay: %w", err)
		}
		log.Printf("Overlay written, build with: go build -overlay %s", overlayFile)
	case ModeInPlace:
		if err := modifier.CommitInPlace(); err != nil {
			return errors.Join(fmt.Errorf("error rewriting sources: %w", err), errors.Join(modifier.Restore(goenv)...))
		}
		if e.Config.Run == "" {
			log.Printf("Sources rewritten in place, revert with -restore")
		}
	}
	log.Printf("Display point count: %d", modifier.MaxPointId())

	if e.Config.Run != "" {
		displayStart := time.Now()
		recorder, output, runErr := e.runDisplayed(goenv, overlayFile, modifier.Points())
		result.DisplayDuration = time.Since(displayStart)
		result.Recorder = recorder
		result.RunOutput = output
		if e.Config.Mode == ModeInPlace {
			if errs := modifier.Restore(goenv); len(errs) > 0 {
				runErr = errors.Join(append([]error{runErr}, errs...)...)
			}
		}
		if runErr != nil {
			return runErr
		}
	}

	if err := e.ReportWriter.WriteReportFiles(e.Config.ReportJsonFile, e.Config.ReportChartsFile, result); err != nil {
		return fmt.Errorf("error writing report files: %w", err)
	}
	log.Println("Expressify completed normally")
	return nil
}

// transformAll transforms each target in parallel. Functions without a body are logged and reported as failed
// rather than failing the run.
func transformAll(transformer *Transformer, targets []*TargetFunction) ([]*RebuiltFunction, []*TargetFunction, error) {
	results := make([]*RebuiltFunction, len(targets))
	var failedMu sync.Mutex
	var failed []*TargetFunction
	errGroup := ErrGroupLimitCPU()
	for i, target := range targets {
		errGroup.Go(func() error {
			rf, err := transformer.Transform(target)
			if err == nil {
				results[i] = rf
				return nil
			} else if !IsNormalTransformError(err) {
				return fmt.Errorf("error transforming %s: %w", target, err)
			}
			log.Printf("WARN: skipping %s: %v", target, err)
			failedMu.Lock()
			defer failedMu.Unlock()
			failed = append(failed, target)
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, nil, err
	}

	return uniqueFunctions(results), failed, nil
}

// uniqueFunctions drops nil results and repeats of a function already present. A function may be both discovered
// and listed, or listed with and without its line, so repeats are identified by the resolved definition.
func uniqueFunctions(results []*RebuiltFunction) []*RebuiltFunction {
	functions := make([]*RebuiltFunction, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, rf := range results {
		if rf == nil {
			continue
		}
		key := fmt.Sprintf("%s:%d:%s.%s", rf.Target.FilePath, rf.Target.DefLine,
			strings.TrimPrefix(rf.Target.Receiver, "*"), rf.Target.FunctionName)
		if !seen[key] {
			seen[key] = true
			functions = append(functions, rf)
		}
	}
	return functions
}

// runDisplayed executes the configured package with the display sink active. With the http sink the values are
// received by a display server, echoed to the engine output, and recorded. The combined program output is
// returned along with the recorder.
func (e *Engine) runDisplayed(goenv []string, overlayFile string, points []PointInfo) (*DisplayRecorder, []byte, error) {
	recorder := NewDisplayRecorder(points)
	port := e.Config.MonitorPort
	var server *DisplayServer
	if e.Config.Sink == SinkHTTP {
		var err error
		handler := MultiHandler(NewTerminalHandler(e.Output, points), recorder)
		server, err = StartDisplayServer(displayServerHost, port, handler)
		if err != nil {
			return nil, nil, err
		}
		port = server.Port()
	}

	log.Printf("Running %s", e.Config.Run)
	env, goArgs := displayRunArgs(goenv, overlayFile, e.Config.Sink, port, e.Config.Run, e.Config.RunArgs...)
	output, runErr := NewProjectCapturedOutputExec(e.Config.AbsProjDir, env, "go", goArgs...)
	if runErr != nil {
		runErr = fmt.Errorf("error running %s: %w", e.Config.Run, runErr)
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		runErr = errors.Join(runErr, server.Stop(ctx))
		log.Printf("Received display count: %d", len(recorder.Events()))
	}
	return recorder, output, runErr
}
