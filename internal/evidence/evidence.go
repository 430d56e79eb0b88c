// Package evidence stores the pose data attached to AI fall reports as
// zstd-compressed JSON objects in S3.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// projectTag is the S3 object tagging string for cost allocation.
const projectTag = "Project=ward-safety"

// ErrEmpty is returned when there is no pose data to store.
var ErrEmpty = errors.New("no evidence data")

// PutObjectAPI is the subset of the S3 client used here.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes evidence objects to one bucket.
type Uploader struct {
	client PutObjectAPI
	bucket string
	newID  func() string
}

// NewUploader creates an uploader for bucket.
func NewUploader(client PutObjectAPI, bucket string) *Uploader {
	return &Uploader{client: client, bucket: bucket, newID: uuid.NewString}
}

// Bucket returns the target bucket name.
func (u *Uploader) Bucket() string { return u.bucket }

// Key returns the object key for one piece of evidence.
func Key(accidentID int64, id string) string {
	return fmt.Sprintf("accidents/%d/%s.json.zst", accidentID, id)
}

// Upload compresses data and stores it under the accident's prefix,
// returning the object key. data must be valid JSON.
func (u *Uploader) Upload(ctx context.Context, accidentID int64, data json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return "", ErrEmpty
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("evidence for accident %d is not valid JSON", accidentID)
	}

	body, err := Compress(data)
	if err != nil {
		return "", err
	}

	key := Key(accidentID, u.newID())
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
		Tagging:         aws.String(projectTag),
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject: %w", err)
	}

	log.Info().
		Int64("accidentId", accidentID).
		Str("key", key).
		Int("rawBytes", len(data)).
		Int("storedBytes", len(body)).
		Msg("Fall evidence uploaded to S3")
	return key, nil
}

// Compress encodes data with zstd.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress reads a stored evidence object.
func Decompress(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress evidence: %w", err)
	}
	return out, nil
}
