package expressify

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pmezard/go-difflib/difflib"
)

const overlayFileName = "overlay.json"

var sourceFileLock = newDefaultStripedMutex()

// SourceModifier writes rebuilt functions back into their packages along with the display client.
// Point ids are assigned when changes are rendered, in file then source order, starting at 1.
type SourceModifier struct {
	clientOpts clientOptions

	mu      sync.Mutex
	funcs   map[string][]*RebuiltFunction // file path -> functions
	pkgs    map[string]string             // package dir -> identifier prefix
	points  []PointInfo
	pointId atomic.Uint32

	cleanupLock    sync.Mutex
	cleanupActions []func() error
}

// NewSourceModifier creates a modifier whose injected clients report to port using sink by default.
func NewSourceModifier(port int, sink string, valueMaxLen int) *SourceModifier {
	return &SourceModifier{
		clientOpts: clientOptions{Port: port, Sink: sink, ValueMaxLen: valueMaxLen},
		funcs:      make(map[string][]*RebuiltFunction),
		pkgs:       make(map[string]string),
	}
}

// AddFunction queues a rebuilt function to be written. Functions of one package must share an identifier prefix.
func (m *SourceModifier) AddFunction(rf *RebuiltFunction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix, ok := m.pkgs[rf.PackageDir]; ok && prefix != rf.IdentPrefix {
		return fmt.Errorf("%s uses prefix %s but package %s was rewritten with %s",
			rf.Target.ShortIdent(), rf.IdentPrefix, rf.PackageDir, prefix)
	}
	path := rf.Target.FilePath
	for _, existing := range m.funcs[path] {
		if existing.Fingerprint == rf.Fingerprint {
			return nil // decorated twice
		} else if existing.SourceDigest != rf.SourceDigest {
			return fmt.Errorf("%w: %s was transformed against different content than %s",
				ErrStaleSource, rf.Target.ShortIdent(), existing.Target.ShortIdent())
		}
	}
	m.pkgs[rf.PackageDir] = rf.IdentPrefix
	m.funcs[path] = append(m.funcs[path], rf)
	return nil
}

// FunctionCount returns the number of queued functions.
func (m *SourceModifier) FunctionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	for _, fns := range m.funcs {
		count += len(fns)
	}
	return count
}

// Points returns the display points assigned by the last render.
func (m *SourceModifier) Points() []PointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.points)
}

// MaxPointId returns the highest point id assigned.
func (m *SourceModifier) MaxPointId() int {
	return int(m.pointId.Load())
}

func (m *SourceModifier) nextPointId() (uint32, error) {
	val := m.pointId.Add(1)
	if val == 0 {
		return 0, errors.New("point id overflow")
	}
	return val, nil
}

// renderedFile is the new content of a file, or of a client file when original is nil.
type renderedFile struct {
	path     string
	original []byte
	content  []byte
}

// render produces the content of every changed file. Sources must be unchanged since they were transformed.
func (m *SourceModifier) render() ([]renderedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = m.points[:0]
	m.pointId.Store(0)
	paths := make([]string, 0, len(m.funcs))
	for path := range m.funcs {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	var result []renderedFile
	clientPkgs := make(map[string]string) // dir -> package name
	for _, path := range paths {
		fns := m.funcs[path]
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		} else if xxhash.Sum64(src) != fns[0].SourceDigest {
			return nil, fmt.Errorf("%w: %s", ErrStaleSource, path)
		}

		type fileEdit struct {
			Edit
			rf *RebuiltFunction
		}
		var edits []fileEdit
		for _, rf := range fns {
			for _, e := range rf.Edits {
				edits = append(edits, fileEdit{Edit: e, rf: rf})
			}
		}
		slices.SortFunc(edits, func(a, b fileEdit) int { return a.Start - b.Start })
		plain := make([]Edit, len(edits))
		ids := make(map[int]uint32, len(edits)) // start offset -> id
		for i, e := range edits {
			if i > 0 && e.Start < edits[i-1].End {
				return nil, fmt.Errorf("overlapping display points in %s: %s and %s",
					path, edits[i-1].rf.Target.ShortIdent(), e.rf.Target.ShortIdent())
			}
			id, err := m.nextPointId()
			if err != nil {
				return nil, err
			}
			plain[i] = e.Edit
			ids[e.Start] = id
			point := e.rf.Points[e.Ordinal-1]
			m.points = append(m.points, PointInfo{
				ID:            id,
				FunctionIdent: e.rf.Target.FunctionIdent,
				FilePath:      path,
				Line:          point.Line,
				Expr:          point.Expr,
				Values:        point.Values,
			})
		}

		rf := fns[0]
		content := applyEdits(src, rf.Alias(), plain, func(e Edit) uint32 { return ids[e.Start] })
		content, err = format.Source(content)
		if err != nil {
			return nil, fmt.Errorf("format %s: %w", path, err)
		}
		result = append(result, renderedFile{path: path, original: src, content: content})
		clientPkgs[rf.PackageDir] = rf.Target.PackageName
	}

	dirs := make([]string, 0, len(clientPkgs))
	for dir := range clientPkgs {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	for _, dir := range dirs {
		client, err := renderDisplayClient(clientPkgs[dir], m.pkgs[dir], m.clientOpts)
		if err != nil {
			return nil, err
		}
		result = append(result, renderedFile{path: filepath.Join(dir, clientFileName), content: client})
	}
	return result, nil
}

// CommitInPlace rewrites the source files, keeping backups that Restore puts back.
func (m *SourceModifier) CommitInPlace() error {
	files, err := m.render()
	if err != nil {
		return err
	}
	errGroup := ErrGroupLimitCPU()
	for _, rendered := range files {
		errGroup.Go(func() error {
			lock := sourceFileLock.Lock(rendered.path)
			defer lock.Unlock()

			if rendered.original == nil {
				m.addCleanupAction(func() error {
					return os.Remove(rendered.path)
				})
			} else if err := m.backupOrigFile(rendered.path); err != nil {
				return err
			}
			if err := os.WriteFile(rendered.path, rendered.content, 0o644); err != nil {
				return fmt.Errorf("write failure %s: %w", rendered.path, err)
			}
			return nil
		})
	}
	return errGroup.Wait()
}

type overlayJSON struct {
	Replace map[string]string
}

// CommitOverlay writes the changed files under dir and returns the path of a `go build -overlay` file
// mapping the originals to them. Sources are left untouched.
func (m *SourceModifier) CommitOverlay(dir string) (string, error) {
	files, err := m.render()
	if err != nil {
		return "", err
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	overlay := overlayJSON{Replace: make(map[string]string, len(files))}
	for i, rendered := range files {
		name := strconv.Itoa(i) + "_" + filepath.Base(rendered.path)
		target := filepath.Join(dir, name)
		if err := os.WriteFile(target, rendered.content, 0o644); err != nil {
			return "", err
		}
		overlay.Replace[rendered.path] = target
	}
	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return "", err
	}
	overlayFile := filepath.Join(dir, overlayFileName)
	return overlayFile, os.WriteFile(overlayFile, data, 0o644)
}

// Diff renders a unified diff of every pending change relative to baseDir.
func (m *SourceModifier) Diff(baseDir string) (string, error) {
	files, err := m.render()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, rendered := range files {
		name := rendered.path
		if rel, err := filepath.Rel(baseDir, rendered.path); err == nil && !strings.HasPrefix(rel, "..") {
			name = rel
		}
		fromFile := "a/" + filepath.ToSlash(name)
		if rendered.original == nil {
			fromFile = "/dev/null"
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(rendered.original)),
			B:        difflib.SplitLines(string(rendered.content)),
			FromFile: fromFile,
			ToFile:   "b/" + filepath.ToSlash(name),
			Context:  3,
		})
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func goCacheClean(goenv []string) error {
	return NewProjectLoggedExec("", goenv, "go", "clean", "-cache").Run()
}

// Restore puts back every file changed by CommitInPlace and removes injected clients.
// The go environment must be provided so the build cache can be cleared.
func (m *SourceModifier) Restore(goenv []string) (result []error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	if len(m.cleanupActions) == 0 {
		return
	}
	for _, f := range m.cleanupActions {
		if err := f(); err != nil {
			result = append(result, err)
		}
	}
	m.cleanupActions = m.cleanupActions[:0]
	if err := goCacheClean(goenv); err != nil {
		result = append(result, fmt.Errorf("failure to clean go cache: %w", err))
	}
	return
}

func (m *SourceModifier) addCleanupAction(f func() error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	m.cleanupActions = append(m.cleanupActions, f)
}

// backupOrigFile copies the file to a .bkp file if one does not already exist.
func (m *SourceModifier) backupOrigFile(path string) error {
	bkpFile := path + ".bkp"
	if !FileExists(bkpFile) {
		if err := CopyFile(path, bkpFile); err != nil {
			return fmt.Errorf("backup failure: %w", err)
		}
		m.addCleanupAction(func() error {
			return replaceFile(bkpFile, path)
		})
	}
	return nil
}

// RestoreBackups puts back every .bkp file left under dir by an interrupted in-place run, and removes injected
// display clients.
func RestoreBackups(dir string) (restored int, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		} else if d.IsDir() {
			if name := d.Name(); path != dir && (strings.HasPrefix(name, ".") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".go.bkp"):
			restored++
			return replaceFile(path, strings.TrimSuffix(path, ".bkp"))
		case d.Name() == clientFileName:
			restored++
			return os.Remove(path)
		}
		return nil
	})
	return restored, err
}
