package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	// ErrLookupFailed means the directory could not answer at all.
	ErrLookupFailed = errors.New("tenant: lookup failed")

	// ErrNotFound means no tenant owns the called number.
	ErrNotFound = errors.New("tenant: no tenant for number")
)

// Directory resolves the tenant answering a called number.
type Directory interface {
	Lookup(ctx context.Context, calledAddress string) (Profile, error)
}

// directoryFile is the on-disk layout of the tenant directory.
type directoryFile struct {
	Default *Profile  `yaml:"default"`
	Tenants []Profile `yaml:"tenants"`
}

// snapshot is one loaded, indexed version of the directory file.
type snapshot struct {
	fallback Profile
	byNumber map[string]Profile
	tenants  int
}

// FileDirectory serves tenant profiles from a YAML file. The file is
// validated against a JSON schema on every load; a failed reload keeps
// the previous snapshot.
type FileDirectory struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	snap *snapshot

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// NewFileDirectory loads path once. An empty path yields a directory that
// only knows the default profile.
func NewFileDirectory(path string, logger *slog.Logger) (*FileDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FileDirectory{
		path:          path,
		logger:        logger.With("component", "tenant-directory"),
		watchDebounce: 250 * time.Millisecond,
		snap:          &snapshot{fallback: DefaultProfile(), byNumber: map[string]Profile{}},
	}
	if strings.TrimSpace(path) == "" {
		return d, nil
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the directory file.
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("tenant: read directory: %w", err)
	}
	snap, err := parseDirectory(data)
	if err != nil {
		return fmt.Errorf("tenant: %s: %w", filepath.Base(d.path), err)
	}
	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	d.logger.Info("tenant directory loaded", "path", d.path, "tenants", snap.tenants, "numbers", len(snap.byNumber))
	return nil
}

// Validate parses and validates a directory file without loading it.
func Validate(data []byte) (int, error) {
	snap, err := parseDirectory(data)
	if err != nil {
		return 0, err
	}
	return snap.tenants, nil
}

func parseDirectory(data []byte) (*snapshot, error) {
	var raw any
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	fallback := DefaultProfile()
	if file.Default != nil {
		fallback = file.Default.withDefaults(fallback)
	}

	snap := &snapshot{fallback: fallback, byNumber: map[string]Profile{}, tenants: len(file.Tenants)}
	for _, p := range file.Tenants {
		p = p.withDefaults(fallback)
		for _, n := range p.Numbers {
			key := NormalizeNumber(n)
			if other, dup := snap.byNumber[key]; dup {
				return nil, fmt.Errorf("number %s is assigned to both %s and %s", key, other.ID, p.ID)
			}
			snap.byNumber[key] = p
		}
	}
	return snap, nil
}

func validateSchema(raw any) error {
	schema, err := compiledDirectorySchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Lookup returns the tenant owning calledAddress, ErrNotFound, or the
// context error.
func (d *FileDirectory) Lookup(ctx context.Context, calledAddress string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, errors.Join(ErrLookupFailed, err)
	}
	d.mu.RLock()
	snap := d.snap
	d.mu.RUnlock()

	if p, ok := snap.byNumber[NormalizeNumber(calledAddress)]; ok {
		return p, nil
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, calledAddress)
}

// Default returns the directory's default profile.
func (d *FileDirectory) Default() Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.fallback
}

// Watch reloads the file whenever it changes until ctx is done or Close is
// called. Editors often replace files by rename, so the parent directory
// is watched rather than the file itself.
func (d *FileDirectory) Watch(ctx context.Context) error {
	if strings.TrimSpace(d.path) == "" {
		return nil
	}
	d.watchMu.Lock()
	if d.watcher != nil {
		d.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		d.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	d.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	d.watchCancel = cancel
	d.watchMu.Unlock()

	d.watchWg.Add(1)
	go d.watchLoop(watchCtx, watcher)
	return nil
}

func (d *FileDirectory) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer d.watchWg.Done()

	target := filepath.Clean(d.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.watchDebounce)
			} else {
				timer.Reset(d.watchDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := d.Reload(); err != nil {
				d.logger.Warn("tenant directory reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("tenant directory watch error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (d *FileDirectory) Close() error {
	d.watchMu.Lock()
	if d.watchCancel != nil {
		d.watchCancel()
		d.watchCancel = nil
	}
	watcher := d.watcher
	d.watcher = nil
	d.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	d.watchWg.Wait()
	return err
}

// NormalizeNumber reduces a phone number to "+" and digits. A leading
// international "00" becomes "+".
func NormalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	plus := strings.HasPrefix(number, "+")
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if !plus && strings.HasPrefix(digits, "00") {
		digits, plus = digits[2:], true
	}
	if plus {
		return "+" + digits
	}
	return digits
}
