// Package mediastore issues presigned object-storage URLs for media blobs
// keyed by the mediaId internal/mediakey derives (a hex string derived from
// the media key chain, not a UUID). The storage tier never receives
// plaintext or key material — only the nonce‖ciphertext‖tag blob
// internal/mediakey.Chain.Encrypt produces.
package mediastore

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	uploadURLValidity   = 15 * time.Minute
	downloadURLValidity = 1 * time.Hour
	objectPrefix        = "media/"
)

// Store issues presigned upload/download URLs for opaque media blobs.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to an S3-compatible object store and ensures bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("mediastore: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("mediastore: bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("mediastore: create bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

func objectName(mediaID string) string { return objectPrefix + mediaID }

// UploadURL is a presigned PUT target for direct client upload of an
// already-sealed media blob.
type UploadURL struct {
	MediaID   string
	URL       string
	ExpiresIn time.Duration
}

// GenerateUploadURL issues a presigned PUT URL for mediaID.
func (s *Store) GenerateUploadURL(ctx context.Context, mediaID string) (*UploadURL, error) {
	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, objectName(mediaID), uploadURLValidity)
	if err != nil {
		return nil, fmt.Errorf("mediastore: presign upload: %w", err)
	}
	return &UploadURL{MediaID: mediaID, URL: presigned.String(), ExpiresIn: uploadURLValidity}, nil
}

// DownloadURL is a presigned GET target for direct client download of the
// sealed blob.
type DownloadURL struct {
	MediaID   string
	URL       string
	ExpiresIn time.Duration
}

// GenerateDownloadURL issues a presigned GET URL for mediaID.
func (s *Store) GenerateDownloadURL(ctx context.Context, mediaID string) (*DownloadURL, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectName(mediaID), downloadURLValidity, nil)
	if err != nil {
		return nil, fmt.Errorf("mediastore: presign download: %w", err)
	}
	return &DownloadURL{MediaID: mediaID, URL: presigned.String(), ExpiresIn: downloadURLValidity}, nil
}

// Delete removes the sealed blob for mediaID, complementing
// mediakey.Chain.DeleteMedia's key wipe with the storage-side deletion.
func (s *Store) Delete(ctx context.Context, mediaID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectName(mediaID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("mediastore: delete %s: %w", mediaID, err)
	}
	return nil
}
