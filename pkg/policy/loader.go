package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of policy file events.
const reloadDelay = 500 * time.Millisecond

// policyParsers maps a file extension to the function that turns its
// contents into a Policy.
var policyParsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": parseRego,
	".json": parseJSON,
}

// Loader reads policies from .rego and .json files. A bare .rego file is an
// error-severity policy named after the file; a .json file carries the full
// Policy definition with the module in its rego field.
type Loader struct {
	logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every path in order. A path given explicitly must
// exist and parse; inside a directory, unparsable files are logged and
// skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFile(root)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.loadFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy directory %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Loaded policies")
	return out, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	parse, ok := policyParsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s is not a .rego or .json file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Loaded policy")
	return p, nil
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func parseRego(path string, data []byte) (*Policy, error) {
	src := string(data)
	return &Policy{
		Name:        baseName(path),
		Description: extractDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
	}, nil
}

func parseJSON(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = baseName(path)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return &p, nil
}

// extractDescription joins the comment lines that open a rego module,
// stopping at the first line of code.
func extractDescription(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

func isPolicyFile(path string) bool {
	_, ok := policyParsers[filepath.Ext(path)]
	return ok
}

// Watch starts an fsnotify watcher over paths and returns. After a burst of
// policy file changes settles, every path is reloaded and the result passed
// to apply. The watcher stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	for _, root := range paths {
		if err := addWatchDirs(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	go l.watchLoop(ctx, watcher, func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = apply(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
			return
		}
		l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	})

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addWatchDirs watches root itself when it is a directory, along with every
// directory below it. For a file it watches the parent so renames are seen.
func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, reload func()) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() == nil {
					reload()
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
