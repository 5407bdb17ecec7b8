// Package storage uploads compressed artifacts to an S3-compatible bucket,
// issues time-limited download URLs, and keeps an expiry ledger so stale
// objects get swept.
package storage

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratePgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// objectClient is the slice of the object-store client Storage uses.
// *minio.Client satisfies it.
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// ledgerDB is the slice of the connection pool the artifact ledger uses.
// *pgxpool.Pool satisfies it.
type ledgerDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Config selects the bucket and how long issued URLs stay valid.
type Config struct {
	Endpoint  string        `env:"ENDPOINT,required"`
	AccessKey string        `env:"ACCESS_KEY,required"`
	SecretKey string        `env:"SECRET_KEY,required"`
	UseSSL    bool          `env:"USE_SSL" envDefault:"false"`
	Bucket    string        `env:"BUCKET,required"`
	URLTTL    time.Duration `env:"URL_TTL" envDefault:"1h"`
}

type Storage struct {
	log *zap.Logger

	cfg    Config
	client objectClient
	conn   ledgerDB
}

func NewStorage(parentLogger *zap.Logger, cfg Config) *Storage {
	return &Storage{
		log: parentLogger.Named("storage"),
		cfg: cfg,
	}
}

// Connect establishes the object-store client and the ledger database,
// running any pending ledger migrations.
func (s *Storage) Connect(ctx context.Context, dsn string) error {
	client, err := minio.New(s.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		Secure: s.cfg.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		s.log.With(zap.String("bucket", s.cfg.Bucket)).Info("created bucket")
	}
	s.client = client

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}

	mFS, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating iofs driver: %w", err)
	}

	stdDB := stdlib.OpenDBFromPool(pool)
	defer stdDB.Close()

	mDriver, err := migratePgx.WithInstance(stdDB, &migratePgx.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", mFS, "pgx", mDriver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err == migrate.ErrNoChange {
		s.log.Info("migrations done (no change)")
	} else if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	} else {
		s.log.Info("migrations done")
	}

	s.conn = pool

	return nil
}

func (s *Storage) Close() {
	s.conn.Close()
}

// Upload stores the file under a collision-resistant key and records it in
// the expiry ledger. It returns the object key.
func (s *Storage) Upload(ctx context.Context, localPath, contentType string) (string, error) {
	objectKey := buildObjectKey(localPath)

	info, err := s.client.FPutObject(ctx, s.cfg.Bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading object: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.cfg.URLTTL)
	_, err = s.conn.Exec(ctx,
		`INSERT INTO artifacts (object_key, content_type, size_bytes, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		objectKey, contentType, info.Size, expiresAt,
	)
	if err != nil {
		// Don't leak an object the ledger will never sweep.
		_ = s.client.RemoveObject(ctx, s.cfg.Bucket, objectKey, minio.RemoveObjectOptions{})
		return "", fmt.Errorf("recording artifact: %w", err)
	}

	return objectKey, nil
}

// SignedURL issues a presigned GET for the object, valid for the configured
// TTL.
func (s *Storage) SignedURL(ctx context.Context, objectKey string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(s.cfg.URLTTL)

	signed, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, objectKey, s.cfg.URLTTL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presigning object: %w", err)
	}

	return signed.String(), expiresAt, nil
}

// UploadAndSign uploads the artifact and returns a download URL with its
// expiry.
func (s *Storage) UploadAndSign(ctx context.Context, localPath, contentType string) (string, time.Time, error) {
	objectKey, err := s.Upload(ctx, localPath, contentType)
	if err != nil {
		return "", time.Time{}, err
	}

	return s.SignedURL(ctx, objectKey)
}

func buildObjectKey(localPath string) string {
	id := uuid.New()
	return fmt.Sprintf("compressed/%x_%s", id[:], filepath.Base(localPath))
}
