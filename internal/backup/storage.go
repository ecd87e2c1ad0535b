package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a backup id is unknown to the storage.
var ErrNotFound = errors.New("backup not found")

type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// Storage is a durable key/value store of serialized snapshots keyed by
// backup id.
type Storage interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func sortNewestFirst(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].ID > infos[j].ID
	})
}

// BlobStore keeps each backup as "<id>.json" in a gocloud bucket
// (file://, mem://, s3:// ...).
type BlobStore struct {
	bucket *blob.Bucket
}

const blobSuffix = ".json"

// OpenBlobStore opens the bucket at rawURL. Local directories are created
// when missing.
func OpenBlobStore(ctx context.Context, rawURL string) (*BlobStore, error) {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" && u.Path != "" {
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
	}
	bucket, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("open backup bucket %s: %w", rawURL, err)
	}
	return &BlobStore{bucket: bucket}, nil
}

func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

func (s *BlobStore) Put(ctx context.Context, id string, data []byte) error {
	return s.bucket.WriteAll(ctx, id+blobSuffix, data, &blob.WriterOptions{ContentType: "application/json"})
}

func (s *BlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	b, err := s.bucket.ReadAll(ctx, id+blobSuffix)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return b, err
}

func (s *BlobStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.bucket.Exists(ctx, id+blobSuffix)
}

func (s *BlobStore) List(ctx context.Context) ([]Info, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: idPrefix})
	out := []Info{}
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, blobSuffix) {
			continue
		}
		id := strings.TrimSuffix(obj.Key, blobSuffix)
		created, ok := ParseID(id)
		if !ok {
			created = obj.ModTime
		}
		out = append(out, Info{ID: id, CreatedAt: created, Size: obj.Size})
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BlobStore) Delete(ctx context.Context, id string) error {
	err := s.bucket.Delete(ctx, id+blobSuffix)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
