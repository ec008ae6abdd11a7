package cmd

import (
	"errors"
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PatchLens/go-expressify/expressify"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

const usageText = "Usage: -project ../foo [-pkgs ./...] [-funcs file.go:Name,file.go:Recv.Name@12] " +
	"[-mode overlay|inplace|diff] [-run ./cmd/app]\nRestore an interrupted in-place run: -project ../foo -restore"

// ParseFlags builds Config from standard and custom flags, merged over the optional YAML config file.
func ParseFlags(customFlags []CustomFlag) (*expressify.Config, error) {
	config := &expressify.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	projectDir := flag.String("project", "", "Path to the project (module root) directory")
	pkgs := flag.String("pkgs", "", "Comma separated package patterns searched for //expressify:display functions (default ./...)")
	funcs := flag.String("funcs", "", "Comma separated functions to transform, as file.go:[Recv.]Name[@line]")
	mode := flag.String("mode", expressify.ModeOverlay, "Output mode, values can be: overlay (default), inplace, diff")
	overlayDir := flag.String("overlay", "", "Directory for overlay files (default <project>/.expressify/overlay)")
	sink := flag.String("sink", expressify.SinkStdout, "Default display sink, values can be: stdout (default), http, discard")
	monitorPort := flag.Int("port", 0, "Port of the display monitor for the http sink, 0 selects a free port")
	run := flag.String("run", "", "Package to `go run` with the transformed sources, remaining arguments are passed to it")
	cacheDir := flag.String("cachedir", "", "Transform cache directory (default <project>/.expressify/cache)")
	cacheMB := flag.Int("cachemb", 200, "Cache memory budget in MB")
	cacheCodec := flag.String("codec", "zstd", "Transform cache compression, values can be: zstd (default), s2, none")
	noCache := flag.Bool("nocache", false, "Disable the persistent transform cache")
	configFile := flag.String("config", "", "Path to a YAML config file, explicit flags take precedence")
	reportJsonFile := flag.String("json", "", "File to output transform details")
	reportChartsFile := flag.String("charts", "", "File to output display points chart image")
	restore := flag.Bool("restore", false, "Restore sources left modified by an interrupted in-place run")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	if *projectDir == "" {
		return nil, errors.New(usageText)
	}

	// Populate config
	config.ProjectDir = *projectDir
	config.Packages = splitList(*pkgs)
	config.Functions = splitList(*funcs)
	config.Mode = *mode
	config.OverlayDir = *overlayDir
	config.Sink = *sink
	config.MonitorPort = *monitorPort
	config.Run = *run
	config.RunArgs = flag.Args()
	config.CacheDir = *cacheDir
	config.CacheMB = *cacheMB
	config.CacheCodec = *cacheCodec
	config.NoCache = *noCache
	config.ConfigFile = *configFile
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.Restore = *restore

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	if config.ConfigFile != "" {
		fc, err := expressify.LoadFileConfig(config.ConfigFile)
		if err != nil {
			return nil, err
		}
		explicit := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})
		config.ApplyFileConfig(fc, func(name string) bool { return explicit[name] })
	}

	// Path resolution and environment setup
	if err := setupEnvironment(config); err != nil {
		return nil, err
	}

	return config, nil
}

func splitList(s string) []string {
	var result []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}

func setupEnvironment(c *expressify.Config) error {
	// Setup GOPATH and GOMODCACHE
	c.Gopath = build.Default.GOPATH
	c.Gomodcache = os.Getenv("GOMODCACHE")
	if c.Gomodcache == "" {
		if c.Gopath == "" {
			return errors.New("neither GOMODCACHE nor GOPATH is set")
		}
		c.Gomodcache = filepath.Join(c.Gopath, "pkg", "mod")
	}

	return nil
}
