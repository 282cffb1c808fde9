package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the archive target for expiring partitions.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
}

// S3Archive stores partition exports in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive creates an archive sink writing under prefix in bucket.
func NewS3Archive(client *s3.Client, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archive) Put(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: s3 put %s: %w", key, err)
	}
	return nil
}

// Archiver exports a partition's rows as JSONL before the partition is
// dropped. An export failure blocks the drop for that partition.
type Archiver struct {
	log   *Log
	store ObjectStore
}

// NewArchiver creates an archiver. store may be nil, in which case Export
// is a no-op and drops proceed unarchived.
func NewArchiver(log *Log, store ObjectStore) *Archiver {
	return &Archiver{log: log, store: store}
}

// Export writes every row of the month partition to the object store as
// one JSONL object keyed by partition name and export time.
func (a *Archiver) Export(ctx context.Context, year, month int) error {
	if a.store == nil {
		return nil
	}
	part := PartitionName(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC))
	rows, err := a.log.PartitionRows(ctx, part)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return fmt.Errorf("audit: encode archive row: %w", err)
		}
	}
	key := fmt.Sprintf("%s/%s.jsonl", part, time.Now().UTC().Format("20060102T150405Z"))
	return a.store.Put(ctx, key, buf.Bytes())
}
