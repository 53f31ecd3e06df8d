// Package storage persists outreach progress: seen user ids, page cursors and the
// message template index.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meetup-messager/pkg/outreach"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// Blob keys. Each blob is written independently.
const (
	SeenUsersKey     = "seen_users.json"
	LastPagesKey     = "last_pages.json"
	TemplateIndexKey = "template_index.json"
)

const formatVersion = 1

// ErrNotExist is returned when a blob has never been written.
var ErrNotExist = errors.New("storage: object doesn't exist")

// UnsupportedVersionError is returned for blobs written by a newer format.
type UnsupportedVersionError struct {
	Key     string
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("%s: unsupported format version %d", e.Key, e.Version)
}

type seenFile struct {
	Version int                 `json:"version"`
	Groups  map[string][]string `json:"groups"` // own group -> sorted user ids
}

type pagesFile struct {
	Version int            `json:"version"`
	Pages   map[string]int `json:"pages"` // target group -> next unfetched page
}

type templateIndexFile struct {
	Version int `json:"version"`
	Index   int `json:"index"`
}

// Store handles progress persistence in a local directory or a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. If localPath is set, client and bucket are ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotFound checks if an error indicates a blob was not found.
// Retry error lists are matched by message.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist) || (err != nil && strings.Contains(err.Error(), ErrNotExist.Error()))
}

// LoadSeen returns the ids already messaged on behalf of ownGroup.
func (s *Store) LoadSeen(ctx context.Context, ownGroup string) (outreach.IDSet, error) {
	f, err := s.loadSeenFile(ctx)
	if err != nil {
		return nil, err
	}
	return outreach.NewIDSet(f.Groups[ownGroup]...), nil
}

// SaveSeen replaces the ids stored for ownGroup, keeping other groups' entries.
func (s *Store) SaveSeen(ctx context.Context, ownGroup string, ids outreach.IDSet) error {
	f, err := s.loadSeenFile(ctx)
	if err != nil {
		return err
	}
	f.Groups[ownGroup] = ids.Sorted()
	s.logger.Info("Saving seen user ids", "own_group", ownGroup, "count", ids.Len())
	return s.writeJSON(ctx, SeenUsersKey, f)
}

// AddSeen records a single id for ownGroup. It reports whether the id was new.
func (s *Store) AddSeen(ctx context.Context, ownGroup, userID string) (bool, error) {
	ids, err := s.LoadSeen(ctx, ownGroup)
	if err != nil {
		return false, err
	}
	if ids.Has(userID) {
		return false, nil
	}
	ids.Add(userID)
	if err := s.SaveSeen(ctx, ownGroup, ids); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) loadSeenFile(ctx context.Context) (*seenFile, error) {
	f := &seenFile{Version: formatVersion, Groups: map[string][]string{}}
	if err := s.readJSON(ctx, SeenUsersKey, f); err != nil {
		if IsNotFound(err) {
			return f, nil
		}
		return nil, err
	}
	if err := checkVersion(SeenUsersKey, f.Version); err != nil {
		return nil, err
	}
	if f.Groups == nil {
		f.Groups = map[string][]string{}
	}
	return f, nil
}

// LoadPages returns the persisted page cursors. Missing blob yields an empty map.
func (s *Store) LoadPages(ctx context.Context) (map[string]int, error) {
	f := &pagesFile{}
	if err := s.readJSON(ctx, LastPagesKey, f); err != nil {
		if IsNotFound(err) {
			return map[string]int{}, nil
		}
		return nil, err
	}
	if err := checkVersion(LastPagesKey, f.Version); err != nil {
		return nil, err
	}
	if f.Pages == nil {
		f.Pages = map[string]int{}
	}
	return f.Pages, nil
}

// SavePages persists the page cursors.
func (s *Store) SavePages(ctx context.Context, pages map[string]int) error {
	s.logger.Info("Saving last pages", "groups", len(pages))
	return s.writeJSON(ctx, LastPagesKey, &pagesFile{Version: formatVersion, Pages: pages})
}

// LoadTemplateIndex returns the persisted template index, 0 if none.
func (s *Store) LoadTemplateIndex(ctx context.Context) (int, error) {
	f := &templateIndexFile{}
	if err := s.readJSON(ctx, TemplateIndexKey, f); err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if err := checkVersion(TemplateIndexKey, f.Version); err != nil {
		return 0, err
	}
	return f.Index, nil
}

// SaveTemplateIndex persists the template index.
func (s *Store) SaveTemplateIndex(ctx context.Context, index int) error {
	s.logger.Info("Saving template index", "index", index)
	return s.writeJSON(ctx, TemplateIndexKey, &templateIndexFile{Version: formatVersion, Index: index})
}

func checkVersion(key string, v int) error {
	if v != formatVersion {
		return &UnsupportedVersionError{Key: key, Version: v}
	}
	return nil
}

func (s *Store) readJSON(ctx context.Context, key string, v any) error {
	data, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.write(ctx, key, data)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage, written via rename so a crash never leaves half a file
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		s.logger.Debug("Saved to local storage", "path", filePath, "bytes", len(data))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Saved to storage", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}
