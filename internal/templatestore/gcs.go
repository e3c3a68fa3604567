package templatestore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// gcsReader reads objects through the Cloud Storage client.
type gcsReader struct {
	client *storage.Client
}

// NewGCSReader wraps a Cloud Storage client as an ObjectReader.
func NewGCSReader(client *storage.Client) ObjectReader {
	return &gcsReader{client: client}
}

func (g *gcsReader) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}
