package expressify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"
)

// Output modes of a run.
const (
	ModeOverlay = "overlay"
	ModeInPlace = "inplace"
	ModeDiff    = "diff"
)

// Codec names accepted in configuration.
const (
	codecNameNone = "none"
	codecNameS2   = "s2"
	codecNameZstd = "zstd"
)

const defaultWorkDirName = ".expressify"

// Config controls a run of the Engine.
type Config struct {
	ProjectDir                       string
	Packages, Functions              []string
	Mode, OverlayDir, Sink           string
	MonitorPort, CacheMB             int
	Run                              string
	RunArgs                          []string
	CacheDir, CacheCodec             string
	NoCache, Restore                 bool
	ReportJsonFile, ReportChartsFile string
	ConfigFile                       string
	// Computed fields
	Gopath, Gomodcache, AbsProjDir string
	ModulePath, GoVersion          string
	// Targets are the parsed explicit function specifications
	Targets []*TargetFunction
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Internal state tracking
	prepared bool
}

// FileConfig is the YAML configuration file layout. Zero values leave the corresponding setting untouched.
type FileConfig struct {
	Packages  []string `yaml:"packages"`
	Functions []string `yaml:"functions"`
	Mode      string   `yaml:"mode"`
	Overlay   string   `yaml:"overlay"`
	Sink      string   `yaml:"sink"`
	Port      int      `yaml:"port"`
	Run       string   `yaml:"run"`
	Cache     struct {
		Dir      string `yaml:"dir"`
		MB       int    `yaml:"mb"`
		Codec    string `yaml:"codec"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"cache"`
	Report struct {
		Json   string `yaml:"json"`
		Charts string `yaml:"charts"`
	} `yaml:"report"`
}

// LoadFileConfig reads a YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// ApplyFileConfig merges fc under the config. Settings for which explicit returns true (matched by flag name)
// keep their current value.
func (c *Config) ApplyFileConfig(fc *FileConfig, explicit func(flagName string) bool) {
	setString := func(flagName string, dst *string, v string) {
		if v != "" && !explicit(flagName) {
			*dst = v
		}
	}
	setInt := func(flagName string, dst *int, v int) {
		if v != 0 && !explicit(flagName) {
			*dst = v
		}
	}
	if len(fc.Packages) > 0 && !explicit("pkgs") {
		c.Packages = fc.Packages
	}
	if len(fc.Functions) > 0 && !explicit("funcs") {
		c.Functions = fc.Functions
	}
	setString("mode", &c.Mode, fc.Mode)
	setString("overlay", &c.OverlayDir, fc.Overlay)
	setString("sink", &c.Sink, fc.Sink)
	setInt("port", &c.MonitorPort, fc.Port)
	setString("run", &c.Run, fc.Run)
	setString("cachedir", &c.CacheDir, fc.Cache.Dir)
	setInt("cachemb", &c.CacheMB, fc.Cache.MB)
	setString("codec", &c.CacheCodec, fc.Cache.Codec)
	if fc.Cache.Disabled && !explicit("nocache") {
		c.NoCache = true
	}
	setString("json", &c.ReportJsonFile, fc.Report.Json)
	setString("charts", &c.ReportChartsFile, fc.Report.Charts)
}

// Prepare performs comprehensive validation and preparation of the configuration
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.ProjectDir == "" {
		return errors.New("project directory is required")
	}
	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	} else if info, err := os.Stat(absProjDir); err != nil {
		return fmt.Errorf("project directory is not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", absProjDir)
	}
	c.AbsProjDir = absProjDir

	if err := c.readGoMod(); err != nil {
		return err
	}

	// Restore only needs the project
	if c.Restore {
		c.prepared = true
		return nil
	}

	if len(c.Packages) == 0 && len(c.Functions) == 0 {
		c.Packages = []string{"./..."}
	}
	c.Targets = c.Targets[:0]
	for _, spec := range c.Functions {
		target, err := ParseFunctionSpec(spec)
		if err != nil {
			return fmt.Errorf("invalid function specification: %w", err)
		}
		if !filepath.IsAbs(target.FilePath) {
			target.FilePath = filepath.Join(c.AbsProjDir, target.FilePath)
		}
		if err := c.validateFilePath(target.FilePath, "go source"); err != nil {
			return fmt.Errorf("invalid function file %s: %w", target.FilePath, err)
		} else if within, err := fileWithinDir(target.FilePath, c.AbsProjDir); err != nil || !within {
			return fmt.Errorf("function file %s is outside the project", target.FilePath)
		}
		c.Targets = append(c.Targets, target)
	}

	// Validate enum-like string fields
	validModes := map[string]bool{ModeOverlay: true, ModeInPlace: true, ModeDiff: true}
	if !validModes[c.Mode] {
		return fmt.Errorf("invalid mode '%s', must be one of: overlay, inplace, diff", c.Mode)
	}
	validSinks := map[string]bool{SinkStdout: true, SinkHTTP: true, SinkDiscard: true}
	if !validSinks[c.Sink] {
		return fmt.Errorf("invalid sink '%s', must be one of: stdout, http, discard", c.Sink)
	}
	if c.CacheCodec == "" {
		c.CacheCodec = codecNameZstd
	} else if _, err := c.Codec(); err != nil {
		return err
	}
	if c.Run != "" && c.Mode == ModeDiff {
		return errors.New("-run requires the overlay or inplace mode")
	}

	// Validate numeric fields are within reasonable ranges, a zero port selects a free one
	if c.MonitorPort != 0 && (c.MonitorPort < 1024 || c.MonitorPort > 65535) {
		return fmt.Errorf("monitor port must be between 1024 and 65535, got %d", c.MonitorPort)
	} else if c.CacheMB < 1 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}

	if c.OverlayDir == "" {
		c.OverlayDir = filepath.Join(c.AbsProjDir, defaultWorkDirName, "overlay")
	}
	if c.CacheDir == "" && !c.NoCache {
		c.CacheDir = filepath.Join(c.AbsProjDir, defaultWorkDirName, "cache")
	}

	// Validate output file paths are writable (basic check)
	if c.ReportJsonFile != "" {
		if err := c.validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		if err := c.validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

// Codec returns the cache compression selected by CacheCodec.
func (c *Config) Codec() (Codec, error) {
	switch c.CacheCodec {
	case codecNameNone:
		return CodecNone, nil
	case codecNameS2:
		return CodecS2, nil
	case codecNameZstd, "":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("invalid cache codec '%s', must be one of: none, s2, zstd", c.CacheCodec)
	}
}

func (c *Config) readGoMod() error {
	goModPath := filepath.Join(c.AbsProjDir, "go.mod")
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return fmt.Errorf("project must be a module root: %w", err)
	}
	mf, err := modfile.ParseLax(goModPath, data, nil)
	if err != nil {
		return fmt.Errorf("invalid go.mod: %w", err)
	} else if mf.Module == nil {
		return errors.New("go.mod has no module directive")
	}
	c.ModulePath = mf.Module.Mod.Path
	if mf.Go != nil {
		c.GoVersion = mf.Go.Version
	}
	if IsGoVersionBelowMinimum(c.GoVersion) {
		return fmt.Errorf("project go version %s is below the minimum %s", c.GoVersion, MinGoVersion)
	}
	return nil
}

// ParseFunctionSpec parses `path/file.go:Name`, `path/file.go:Recv.Name`, or either form with an `@line`
// suffix selecting the definition line.
func ParseFunctionSpec(spec string) (*TargetFunction, error) {
	idx := strings.LastIndex(spec, ".go:")
	if idx <= 0 {
		return nil, fmt.Errorf("function must be in format 'file.go:[Recv.]Name[@line]', got '%s'", spec)
	}
	target := &TargetFunction{FilePath: spec[:idx+3]}
	name := spec[idx+4:]
	if name, line, found := strings.Cut(name, "@"); found {
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid definition line '%s'", line)
		}
		target.DefLine = uint32(n)
		target.FunctionName = name
	} else {
		target.FunctionName = name
	}
	if recv, fn, found := strings.Cut(target.FunctionName, "."); found {
		target.Receiver, target.FunctionName = recv, fn
	}
	if target.FunctionName == "" {
		return nil, errors.New("function name cannot be empty")
	} else if target.Receiver == "" && strings.HasPrefix(target.FunctionName, "(") {
		return nil, fmt.Errorf("receiver must be written as Recv.Name, got '%s'", target.FunctionName)
	}
	target.Receiver = strings.Trim(target.Receiver, "()")
	return target, nil
}

// validateFilePath validates that a file path exists and is readable
func (c *Config) validateFilePath(path, expectedType string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist or is not accessible: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a %s file", expectedType)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// validateOutputPath validates that an output file path can be written to
func (c *Config) validateOutputPath(path string) error {
	dir := filepath.Dir(path)

	// Check if directory exists, if not try to create it
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	// Check if we can write to the directory
	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
