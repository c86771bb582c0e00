package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/tokenvault/internal/backup"
)

const s3Timeout = 30 * time.Second

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store keeps the envelope in an S3-compatible object store. Object stores
// have no rename, so PromoteStaged is a server-side copy followed by a
// delete of the staged object; the copy is the commit point and the live
// envelope is never observed partially written because object puts are
// atomic per key.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store connects to the configured endpoint and verifies the bucket
// exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.TrimSuffix(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	if s3Config.Endpoint == "" || s3Config.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required for s3 store")
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) envelopeKey() string {
	return s3s.objectKey("envelope.json")
}

func (s3s *S3Store) objectKey(parts ...string) string {
	key := strings.Join(parts, "/")
	if s3s.keyPrefix != "" {
		return s3s.keyPrefix + "/" + key
	}
	return key
}

func (s3s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s3s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s3s.client.PutObject(ctx, s3s.bucketName, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s3s *S3Store) LoadEnvelope() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()
	return s3s.getObject(ctx, s3s.envelopeKey())
}

func (s3s *S3Store) SaveEnvelope(data []byte) error {
	if data == nil {
		return fmt.Errorf("envelope data cannot be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()
	return s3s.putObject(ctx, s3s.envelopeKey(), data)
}

func (s3s *S3Store) EnvelopeExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.envelopeKey(), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat envelope: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) DeleteEnvelope() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.envelopeKey(), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	return nil
}

func (s3s *S3Store) StageEnvelope(data []byte) (string, error) {
	if data == nil {
		return "", fmt.Errorf("envelope data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	name := stagedPrefix + uuid.NewString()
	if err := s3s.putObject(ctx, s3s.objectKey("staged", name), data); err != nil {
		return "", fmt.Errorf("failed to stage envelope: %w", err)
	}
	return name, nil
}

func (s3s *S3Store) LoadStaged(name string) ([]byte, error) {
	if err := validateStagedName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()
	return s3s.getObject(ctx, s3s.objectKey("staged", name))
}

func (s3s *S3Store) PromoteStaged(name string) error {
	if err := validateStagedName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	src := minio.CopySrcOptions{Bucket: s3s.bucketName, Object: s3s.objectKey("staged", name)}
	dst := minio.CopyDestOptions{Bucket: s3s.bucketName, Object: s3s.envelopeKey()}
	if _, err := s3s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("failed to promote staged envelope: %w", err)
	}

	// The staged object is scratch space after the copy commits; a failed
	// cleanup is not a failed promotion.
	_ = s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectKey("staged", name), minio.RemoveObjectOptions{})
	return nil
}

func (s3s *S3Store) DiscardStaged(name string) error {
	if err := validateStagedName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectKey("staged", name), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to discard staged envelope: %w", err)
	}
	return nil
}

func (s3s *S3Store) BackupEnvelope(label string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	data, err := s3s.getObject(ctx, s3s.envelopeKey())
	if err != nil {
		return "", err
	}

	name := backup.Name("envelope", label, time.Now())

	if err = s3s.putObject(ctx, s3s.objectKey("backups", name), data); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return name, nil
}

func (s3s *S3Store) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	prefix := s3s.objectKey("backups") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var backups []BackupInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !backup.IsBackup(name) {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:      name,
			CreatedAt: object.LastModified.UTC(),
			Size:      object.Size,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s3s *S3Store) DeleteBackup(name string) error {
	if err := backup.ValidateName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	key := s3s.objectKey("backups", name)
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrBackupNotFound
		}
		return fmt.Errorf("failed to stat backup: %w", err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}
