package allowlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/layer-3/walletgate/ports"
	"github.com/rs/zerolog"
)

const debounceDelay = 100 * time.Millisecond

// FileSource reads addresses from a text file, one per line or comma
// separated. Blank lines and lines starting with '#' are skipped.
type FileSource struct {
	path   string
	logger zerolog.Logger
}

var _ ports.WatchableSource = (*FileSource)(nil)

func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Addresses returns the file contents. A missing file yields an empty list,
// which puts the server in public mode.
func (s *FileSource) Addresses(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist file: %w", err)
	}
	return parseList(string(data)), nil
}

func parseList(data string) []string {
	var addresses []string
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Split(line, ",") {
			if field = strings.TrimSpace(field); field != "" {
				addresses = append(addresses, field)
			}
		}
	}
	return addresses
}

// Watch calls onChange after the file is written, created, renamed or
// removed, until ctx is done. The parent directory is watched so editors that
// replace the file atomically are picked up.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to add directory to watcher: %w", err)
	}

	fileName := filepath.Base(absPath)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if ctx.Err() == nil {
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Str("path", s.path).Msg("allowlist watcher error")
		}
	}
}
