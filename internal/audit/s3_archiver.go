package audit

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stewardai/governor/internal/canonical"
)

// S3Archiver writes canonical governance event JSON to object storage at
//
//	s3://<bucket>/<prefix>/governance/YYYY/MM/DD/<eventID>.json
//
// It implements Recorder so it can sit next to the Kafka producer in a
// MultiRecorder; archive failures are logged, not propagated.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver using the SDK's default credential chain
// (AWS_REGION, AWS_PROFILE, instance roles, etc.).
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

func (s *S3Archiver) Record(ctx context.Context, ev Event) {
	if err := s.Archive(ctx, ev); err != nil {
		log.Printf("[audit] s3 archive %s: %v", ev.ID, err)
	}
}

// Archive canonicalizes the event envelope and uploads it.
func (s *S3Archiver) Archive(ctx context.Context, ev Event) error {
	envelope := map[string]interface{}{
		"id":        ev.ID,
		"eventType": ev.EventType,
		"projectId": ev.ProjectID,
		"actor":     ev.Actor,
		"payload":   ev.Payload,
		"ts":        ev.Ts.Format(time.RFC3339Nano),
	}
	body, err := canonical.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.ObjectKey(ev)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// ObjectKey returns the object path the event archives to, derived from the
// event timestamp.
func (s *S3Archiver) ObjectKey(ev Event) string {
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "governance",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)
}
