package store

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tagify-app/tagify-server/internal/domain"
)

// ScannedImage is the per-file result the scanner feeds into the catalog.
type ScannedImage struct {
	LibraryID   string
	RelPath     string
	Path        string
	Size        int64
	Width       int
	Height      int
	CTime       time.Time
	MTime       time.Time
	OriginalKey string
	ThumbKey    string
	BlurHash    string
}

// ID returns the stable record identity for the scanned file.
func (r *ScannedImage) ID() string {
	return domain.ImageID(r.LibraryID, r.RelPath)
}

// GetImage retrieves an image record by ID.
func (s *Store) GetImage(ctx context.Context, id string) (*domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var img domain.Image
	if err := s.get([]byte(imagePrefix+id), &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// UpsertScanned writes one scanned file into the catalog with
// upsert-with-defaults semantics: file metadata and blob keys are refreshed,
// while tags, rating, and the AI block of an existing record are preserved.
// Re-scanning an unchanged or touched file therefore never loses tags.
func (s *Store) UpsertScanned(ctx context.Context, rec *ScannedImage) error {
	return s.BulkUpsertScanned(ctx, []*ScannedImage{rec})
}

// BulkUpsertScanned flushes a batch of scanned files in a single transaction.
func (s *Store) BulkUpsertScanned(ctx context.Context, recs []*ScannedImage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			key := []byte(imagePrefix + rec.ID())

			img := domain.Image{
				// Defaults applied only on insert.
				Tags:   []string{},
				Rating: "",
			}
			item, err := txn.Get(key)
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &img)
				}); err != nil {
					return fmt.Errorf("unmarshal existing image %s: %w", rec.ID(), err)
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// New record, keep defaults.
			default:
				return fmt.Errorf("get image %s: %w", rec.ID(), err)
			}

			img.ID = rec.ID()
			img.LibraryID = rec.LibraryID
			img.Path = rec.Path
			img.RelPath = rec.RelPath
			img.Size = rec.Size
			img.Width = rec.Width
			img.Height = rec.Height
			img.CTime = rec.CTime
			img.MTime = rec.MTime
			img.OriginalKey = rec.OriginalKey
			img.ThumbKey = rec.ThumbKey
			img.BlurHash = rec.BlurHash

			data, err := json.Marshal(&img)
			if err != nil {
				return fmt.Errorf("marshal image %s: %w", rec.ID(), err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set image %s: %w", rec.ID(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Debug("image batch flushed", "count", len(recs))
	}
	return nil
}

// DeleteImage removes an image record. Idempotent.
func (s *Store) DeleteImage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(imagePrefix + id))
	})
}

// ImagesByLibrary returns all image records of a library.
func (s *Store) ImagesByLibrary(ctx context.Context, libraryID string) ([]*domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(imagePrefix + libraryID + ":")
	var images []*domain.Image

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var img domain.Image
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &img)
			}); err != nil {
				return err
			}
			images = append(images, &img)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// ImageIDsByLibrary returns the IDs of all image records of a library
// without decoding the documents.
func (s *Store) ImageIDsByLibrary(ctx context.Context, libraryID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(imagePrefix + libraryID + ":")
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), imagePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteImagesByLibrary removes every image record of a library and returns
// how many were deleted.
func (s *Store) DeleteImagesByLibrary(ctx context.Context, libraryID string) (int, error) {
	images, err := s.ImagesByLibrary(ctx, libraryID)
	if err != nil {
		return 0, err
	}
	for _, img := range images {
		if err := s.DeleteImage(ctx, img.ID); err != nil {
			return 0, err
		}
	}
	return len(images), nil
}

// FindUntagged returns up to limit image IDs lacking AI tags, newest IDs
// first, optionally scoped to a library.
func (s *Store) FindUntagged(ctx context.Context, limit int, libraryID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	prefix := []byte(imagePrefix)
	if libraryID != "" {
		prefix = []byte(imagePrefix + libraryID + ":")
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration: seek past the last key under the prefix.
		seek := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var img domain.Image
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &img)
			}); err != nil {
				return err
			}
			if img.HasAITags {
				continue
			}
			ids = append(ids, img.ID)
			if len(ids) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MergeAITags merges an inference result into an image record: AI tags are
// unioned into the tag set, the AI block is replaced, and the derived flags
// are recomputed rather than blindly overwritten.
func (s *Store) MergeAITags(ctx context.Context, imageID string, meta *domain.AIMeta, aiTags []string, rating string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := []byte(imagePrefix + imageID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		var img domain.Image
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &img)
		}); err != nil {
			return fmt.Errorf("unmarshal image %s: %w", imageID, err)
		}

		for _, tag := range aiTags {
			if !slices.Contains(img.Tags, tag) {
				img.Tags = append(img.Tags, tag)
			}
		}
		img.AI = meta
		img.Rating = rating
		img.HasAITags = len(aiTags) > 0
		img.HasTags = len(img.Tags) > 0

		data, err := json.Marshal(&img)
		if err != nil {
			return fmt.Errorf("marshal image %s: %w", imageID, err)
		}
		return txn.Set(key, data)
	})
}

// ClearAITags strips AI-derived tags and metadata from every image record,
// keeping manually applied tags (the "manual:" prefix). Returns the number of
// records touched.
func (s *Store) ClearAITags(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(imagePrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), imagePrefix))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, imageID := range ids {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		key := []byte(imagePrefix + imageID)
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil // Deleted concurrently.
				}
				return err
			}
			var img domain.Image
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &img)
			}); err != nil {
				return err
			}

			manual := make([]string, 0, len(img.Tags))
			for _, tag := range img.Tags {
				if strings.HasPrefix(tag, "manual:") {
					manual = append(manual, tag)
				}
			}
			img.Tags = manual
			img.AI = nil
			img.HasAITags = false
			img.HasTags = len(manual) > 0
			img.Rating = domain.RatingNone

			data, err := json.Marshal(&img)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})
		if err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// DeleteLibrary removes a library record and every image record under it.
func (s *Store) DeleteLibrary(ctx context.Context, libraryID string) error {
	if _, err := s.DeleteImagesByLibrary(ctx, libraryID); err != nil {
		return err
	}
	return s.Libraries.Delete(ctx, libraryID)
}

// UpdateScanState applies fn to the scan state embedded in the library
// record, read-modify-write in one transaction. Only the scan coordinator
// for the library may call this.
func (s *Store) UpdateScanState(ctx context.Context, libraryID string, fn func(*domain.ScanState)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := []byte(libraryPrefix + libraryID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		var lib domain.Library
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &lib)
		}); err != nil {
			return fmt.Errorf("unmarshal library %s: %w", libraryID, err)
		}

		fn(&lib.Scan)

		data, err := json.Marshal(&lib)
		if err != nil {
			return fmt.Errorf("marshal library %s: %w", libraryID, err)
		}
		return txn.Set(key, data)
	})
}
