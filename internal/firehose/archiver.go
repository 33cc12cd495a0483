package firehose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/outdial/outdial/internal/models"
)

// Archiver uploads event envelopes to object storage.
type Archiver interface {
	// ArchiveEvent uploads the event and returns the stored object key.
	ArchiveEvent(ctx context.Context, ev models.AmdEvent) (string, error)
}

// S3Archiver writes event envelopes to keys of the form
//
//	<prefix>/amd-events/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver using ambient AWS credentials
// (AWS_REGION, AWS_PROFILE, access keys from the environment).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) ArchiveEvent(ctx context.Context, ev models.AmdEvent) (string, error) {
	body, err := json.Marshal(envelope(ev))
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	objectKey := path.Join(a.prefix, "amd-events",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return objectKey, nil
}

// envelope is the wire shape shared by the Kafka producer and the archiver,
// so downstream consumers and replays see identical documents.
func envelope(ev models.AmdEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":         ev.ID.String(),
		"callSid":    ev.CallSID,
		"eventType":  ev.EventType,
		"confidence": ev.Confidence,
		"payload":    ev.Payload,
		"ts":         ev.CreatedAt.Format(time.RFC3339Nano),
	}
}
