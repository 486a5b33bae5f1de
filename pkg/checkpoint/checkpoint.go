// Package checkpoint persists the state of suspended tasks so that any
// worker, not only the one that paused a task, can resume it.
//
// *store.Store implements Store over SQLite for single-host deployments.
// Minio stores checkpoints in an S3-compatible bucket for workers spread
// over several machines.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/model"
)

// Store saves, loads and deletes task checkpoints. LoadCheckpoint returns
// nil, nil when no checkpoint exists.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, partition string, id model.RecordID) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, partition string, id model.RecordID) error
}

// errNoObject is returned by objectStore.get for missing keys.
var errNoObject = errors.New("no such object")

// objectStore is the slice of an S3 API the Minio backend uses.
type objectStore interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	remove(ctx context.Context, key string) error
}

// MinioConfig locates the checkpoint bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Minio is an S3-compatible checkpoint store. Objects are JSON-encoded
// model.Checkpoint values under "<prefix>/<partition>/<seq>.json".
type Minio struct {
	objects objectStore
	prefix  string
	clock   clock.Clock
}

// NewMinio connects to the bucket, creating it if it does not exist.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "clockq-checkpoints"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "checkpoints"
	}
	return newMinio(&minioObjects{client: client, bucket: bucket}, prefix, clock.Real{}), nil
}

func newMinio(objects objectStore, prefix string, clk clock.Clock) *Minio {
	return &Minio{objects: objects, prefix: prefix, clock: clk}
}

// Key returns the object key of a record's checkpoint.
func Key(prefix, partition string, id model.RecordID) string {
	return path.Join(prefix, partition, fmt.Sprintf("%d.json", int64(id)))
}

func (m *Minio) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.clock.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	key := Key(m.prefix, cp.Partition, cp.RecordID)
	if err := m.objects.put(ctx, key, data); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

func (m *Minio) LoadCheckpoint(ctx context.Context, partition string, id model.RecordID) (*model.Checkpoint, error) {
	key := Key(m.prefix, partition, id)
	data, err := m.objects.get(ctx, key)
	if errors.Is(err, errNoObject) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func (m *Minio) DeleteCheckpoint(ctx context.Context, partition string, id model.RecordID) error {
	key := Key(m.prefix, partition, id)
	if err := m.objects.remove(ctx, key); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", key, err)
	}
	return nil
}

// minioObjects adapts *minio.Client to objectStore.
type minioObjects struct {
	client *minio.Client
	bucket string
}

func (o *minioObjects) put(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (o *minioObjects) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapNoSuchKey(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapNoSuchKey(err)
	}
	return data, nil
}

func (o *minioObjects) remove(ctx context.Context, key string) error {
	// RemoveObject succeeds for keys that do not exist.
	return o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{})
}

// mapNoSuchKey turns S3's NoSuchKey into errNoObject. GetObject is lazy,
// so the error usually surfaces on the first read.
func mapNoSuchKey(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errNoObject
	}
	return err
}
