package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ErrFileNotFound is returned when a product has no uploaded file.
var ErrFileNotFound = errors.New("storage: file not found")

// ObjectFinder resolves the object holding a product's file.
type ObjectFinder interface {
	LatestObject(ctx context.Context, bucket, prefix string) (string, error)
}

// BucketObjects lists objects with the Cloud Storage client.
type BucketObjects struct {
	client *gcs.Client
}

func NewBucketObjects(client *gcs.Client) (*BucketObjects, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return &BucketObjects{client: client}, nil
}

// LatestObject returns the most recently updated object under prefix.
func (b *BucketObjects) LatestObject(ctx context.Context, bucket, prefix string) (string, error) {
	it := b.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var latest *gcs.ObjectAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("storage: list %s/%s: %w", bucket, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		if latest == nil || attrs.Updated.After(latest.Updated) {
			latest = attrs
		}
	}
	if latest == nil {
		return "", ErrFileNotFound
	}
	return latest.Name, nil
}

// ProductPrefix is the folder holding a product's files: <prefix>/products/<productID>/.
func ProductPrefix(objectPrefix, productID string) (string, error) {
	id, err := validateSegment("productID", productID)
	if err != nil {
		return "", err
	}
	root := strings.Trim(strings.TrimSpace(objectPrefix), "/")
	return path.Join(root, "products", id) + "/", nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
