package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// uploadPartSize is the multipart chunk size. Backup tarballs are usually a
// single part; a long-lived deployment's archive can grow past it.
const uploadPartSize int64 = 8 * 1024 * 1024

// Writer uploads objects to the configured bucket. It satisfies the snapshot
// backup job's uploader contract.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer on the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: c.Bucket(),
	}
}

// Put streams data to the given object path. The upload manager buffers by
// part, so unbounded readers upload without knowing their length and large
// payloads split into concurrent parts automatically.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
