package expressify

import (
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

// Environment variables read by the injected display client.
const (
	EnvDisplaySink = "EXPRESSIFY_SINK"
	EnvMonitorPort = "EXPRESSIFY_MONITOR_PORT"
)

// GoEnv returns environment entries for GOPATH and GOMODCACHE.
func GoEnv(gopath, gomodcache string) []string {
	env := make([]string, 0, 2)
	if gopath != "" {
		env = append(env, "GOPATH="+gopath)
	}
	if gomodcache != "" {
		env = append(env, "GOMODCACHE="+gomodcache)
	}
	return env
}

// NewProjectExec creates a command that runs in projectDir with env applied.
func NewProjectExec(projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.Dir = projectDir
	cmd.Env = mergeSafeEnv(env)
	return cmd
}

func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // check for os values we want to override
	for i, kv := range env {
		envKeys[i], _, _ = strings.Cut(kv, "=")
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		if envVar == "" || envVar == "=" || strings.HasPrefix(envVar, "LD_") {
			return false // skip unsafe
		} else if key, _, _ := strings.Cut(envVar, "="); slices.Contains(envKeys, key) {
			return false // will be overridden by custom value
		}
		return true
	}, os.Environ())
	return append(safeEnv, env...)
}

// NewProjectLoggedExec runs a command in projectDir with env and logs output to stdout and stderr.
func NewProjectLoggedExec(projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := NewProjectExec(projectDir, env, name, arg...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// NewProjectCapturedOutputExec runs a command in projectDir with env, streams output, and returns combined stdout and stderr.
func NewProjectCapturedOutputExec(projectDir string, env []string, name string, arg ...string) ([]byte, error) {
	cmd := NewProjectLoggedExec(projectDir, env, name, arg...)
	lb := &lockedBuffer{}
	cmd.Stdout = &teeWriter{one: cmd.Stdout, two: lb}
	cmd.Stderr = &teeWriter{one: cmd.Stderr, two: lb}
	err := cmd.Run()
	return lb.Bytes(), err
}

// displayRunArgs returns the environment and `go run` arguments that run pkg with the overlay (when set) and the
// display client pointed at sink.
func displayRunArgs(env []string, overlayFile, sink string, monitorPort int,
	pkg string, args ...string) ([]string, []string) {
	goArgs := []string{"run"}
	if overlayFile != "" {
		goArgs = append(goArgs, "-overlay", overlayFile)
	}
	goArgs = append(goArgs, pkg)
	goArgs = append(goArgs, args...)
	env = append(slices.Clone(env), EnvDisplaySink+"="+sink)
	if monitorPort > 0 {
		env = append(env, EnvMonitorPort+"="+strconv.Itoa(monitorPort))
	}
	return env, goArgs
}
