package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store/expiryindex"
	"github.com/wolfeidau/content-drop/store/metadb"
	"github.com/wolfeidau/content-drop/telemetry"
	"golang.org/x/sync/singleflight"
)

const maxFileNameLen = 255

// Ingester writes uploads to the blob backend, the metadata store and the
// expiry index, in that order.
type Ingester struct {
	backend backend.Backend
	meta    metadb.MetaDB
	direct  metadb.MetaDB // meta without the lookup cache
	index   expiryindex.Index
	dir     string
	tempDir string
	logger  *slog.Logger
	now     func() time.Time
	commits singleflight.Group
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) IngesterOption {
	return func(i *Ingester) {
		i.logger = logger
	}
}

// WithNow sets the clock used for creation times.
func WithNow(now func() time.Time) IngesterOption {
	return func(i *Ingester) {
		i.now = now
	}
}

// WithTempDir sets where uploads are buffered while hashing.
// Defaults to os.TempDir().
func WithTempDir(dir string) IngesterOption {
	return func(i *Ingester) {
		i.tempDir = dir
	}
}

// NewIngester creates an Ingester over the three stores.
func NewIngester(b backend.Backend, meta metadb.MetaDB, index expiryindex.Index, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		backend: b,
		meta:    meta,
		direct:  metadb.Uncached(meta),
		index:   index,
		dir:     FilesDir,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ingester")
	return i
}

// Ingest stores the content of r and returns its hash.
func (i *Ingester) Ingest(ctx context.Context, r io.Reader, req IngestRequest) (contentdrop.Hash, error) {
	rec, err := i.IngestRecord(ctx, r, req)
	if err != nil {
		return contentdrop.Hash{}, err
	}
	return rec.Hash, nil
}

// IngestRecord stores the content of r and returns the committed record.
func (i *Ingester) IngestRecord(ctx context.Context, r io.Reader, req IngestRequest) (*contentdrop.ContentRecord, error) {
	fileName, err := SanitizeFileName(req.FileName)
	if err != nil {
		telemetry.RecordIngest(ctx, telemetry.ResultInvalid, 0)
		return nil, err
	}
	if !req.TTL.Valid() {
		telemetry.RecordIngest(ctx, telemetry.ResultInvalid, 0)
		return nil, fmt.Errorf("%w: unknown ttl class %d", contentdrop.ErrInvalidInput, req.TTL)
	}

	// Buffer to a temp file while hashing so the source is read exactly once
	tmpFile, err := os.CreateTemp(i.tempDir, "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := contentdrop.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	hash := hr.Sum()
	read := hr.BytesRead()

	logger := i.logger.With("hash", hash.ShortString(), "file", fileName)
	req.FileName = fileName

	// Concurrent uploads of the same bytes share one commit.
	var led bool
	v, err, _ := i.commits.Do(hash.String(), func() (any, error) {
		led = true
		return i.commit(ctx, logger, tmpFile, hash, read, req)
	})
	if !led {
		if err == nil {
			telemetry.RecordIngest(ctx, telemetry.ResultDuplicate, 0)
			return nil, contentdrop.ErrDuplicateContent
		}
		// The other upload failed for its own reasons, so commit ours.
		v, err = i.commit(ctx, logger, tmpFile, hash, read, req)
	}
	if err != nil {
		return nil, err
	}
	return v.(*contentdrop.ContentRecord), nil
}

// commit persists the buffered upload: blob, then record, then expiry entry.
func (i *Ingester) commit(ctx context.Context, logger *slog.Logger, tmpFile *os.File, hash contentdrop.Hash, read int64, req IngestRequest) (*contentdrop.ContentRecord, error) {
	// A cached hit may describe a record the sweeper has just removed.
	if _, err := i.direct.GetByHash(ctx, hash); err == nil {
		telemetry.RecordIngest(ctx, telemetry.ResultDuplicate, 0)
		return nil, contentdrop.ErrDuplicateContent
	} else if !errors.Is(err, metadb.ErrNotFound) {
		return nil, fmt.Errorf("checking for duplicate: %w", err)
	}

	contentType, err := sniffContentType(tmpFile)
	if err != nil {
		return nil, err
	}

	location := path.Join(i.dir, req.FileName)
	if err := i.backend.Create(ctx, location, tmpFile); err != nil {
		if errors.Is(err, backend.ErrAlreadyExists) {
			telemetry.RecordIngest(ctx, telemetry.ResultConflict, 0)
			return nil, fmt.Errorf("%w: %s", contentdrop.ErrNamingConflict, req.FileName)
		}
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	// From here on the blob is ours and must not outlive a failed ingestion.
	cleanupCtx := context.WithoutCancel(ctx)

	info, err := i.backend.Stat(ctx, location)
	if err != nil {
		i.discardBlob(cleanupCtx, logger, location)
		return nil, fmt.Errorf("reading blob size: %w", err)
	}
	if info.Size != read {
		logger.Warn("stored size differs from bytes read", "read", read, "stored", info.Size)
	}

	rec, err := i.meta.Insert(ctx, &contentdrop.ContentRecord{
		Hash:        hash,
		Location:    location,
		FileName:    req.FileName,
		ContentType: contentType,
		Size:        info.Size,
		OwnerID:     req.OwnerID,
		CreatedAt:   i.now().UTC(),
		TTL:         req.TTL,
	})
	if err != nil {
		i.discardBlob(cleanupCtx, logger, location)
		if errors.Is(err, metadb.ErrDuplicateHash) {
			// Lost a race with a concurrent upload of the same content
			telemetry.RecordIngest(ctx, telemetry.ResultDuplicate, 0)
			return nil, contentdrop.ErrDuplicateContent
		}
		if errors.Is(err, metadb.ErrLocationTaken) {
			// An older record still owns the name while its eviction is retried
			telemetry.RecordIngest(ctx, telemetry.ResultConflict, 0)
			return nil, fmt.Errorf("%w: %s", contentdrop.ErrNamingConflict, req.FileName)
		}
		return nil, fmt.Errorf("storing record: %w", err)
	}

	if expiresAt, ok := rec.ExpiresAt(); ok {
		if err := i.index.Insert(cleanupCtx, rec.ID, expiresAt); err != nil {
			// The file is stored; it stays until the audit re-indexes it.
			logger.Warn("failed to schedule expiry", "id", rec.ID, "expires_at", expiresAt, "error", err)
			telemetry.RecordIndexInsertFailure(ctx)
		}
	}

	telemetry.RecordIngest(ctx, telemetry.ResultCreated, rec.Size)
	logger.Debug("ingested file", "id", rec.ID, "size", rec.Size, "ttl", rec.TTL, "content_type", contentType)
	return rec, nil
}

// LookupByHash returns the record for hash.
func (i *Ingester) LookupByHash(ctx context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error) {
	rec, err := i.meta.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, contentdrop.ErrNotFound
		}
		return nil, fmt.Errorf("looking up %s: %w", hash.ShortString(), err)
	}
	return rec, nil
}

// Open returns the content stored for hash.
func (i *Ingester) Open(ctx context.Context, hash contentdrop.Hash) (io.ReadCloser, *contentdrop.ContentRecord, error) {
	rec, err := i.LookupByHash(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	rc, err := i.backend.Open(ctx, rec.Location)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// Record is being swept
			return nil, nil, contentdrop.ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening blob: %w", err)
	}
	return rc, rec, nil
}

func (i *Ingester) discardBlob(ctx context.Context, logger *slog.Logger, location string) {
	if err := i.backend.Delete(ctx, location); err != nil {
		logger.Error("failed to remove blob of rejected upload", "location", location, "error", err)
	}
}

// sniffContentType detects the MIME type from the start of f and rewinds it.
func sniffContentType(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking temp file: %w", err)
	}
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detecting content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking temp file: %w", err)
	}
	return mtype.String(), nil
}

// SanitizeFileName reduces a client supplied name to a plain base name.
func SanitizeFileName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := path.Base(name)
	switch {
	case name == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: empty file name", contentdrop.ErrInvalidInput)
	case len(base) > maxFileNameLen:
		return "", fmt.Errorf("%w: file name longer than %d bytes", contentdrop.ErrInvalidInput, maxFileNameLen)
	case strings.ContainsFunc(base, func(r rune) bool { return r < 0x20 || r == 0x7f }):
		return "", fmt.Errorf("%w: file name contains control characters", contentdrop.ErrInvalidInput)
	}
	return base, nil
}

// Compile-time interface check
var _ Store = (*Ingester)(nil)
