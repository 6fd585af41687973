package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// FileLocator turns a product ID into a signed download URL for its latest file.
type FileLocator struct {
	objects ObjectFinder
	signer  *URLSigner
	bucket  string
	prefix  string
	ttl     time.Duration
}

type FileLocatorConfig struct {
	Bucket       string
	ObjectPrefix string
	TTL          time.Duration
}

func NewFileLocator(objects ObjectFinder, signer *URLSigner, cfg FileLocatorConfig) (*FileLocator, error) {
	if objects == nil {
		return nil, errors.New("file locator: object finder is required")
	}
	if signer == nil {
		return nil, errNoSigner
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errInvalidBucket
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSignedURLExpiry
	}
	if ttl > maxSignedURLExpiry {
		ttl = maxSignedURLExpiry
	}
	return &FileLocator{
		objects: objects,
		signer:  signer,
		bucket:  strings.TrimSpace(cfg.Bucket),
		prefix:  cfg.ObjectPrefix,
		ttl:     ttl,
	}, nil
}

func (l *FileLocator) Locate(ctx context.Context, productID string) (domain.FileReference, error) {
	prefix, err := ProductPrefix(l.prefix, productID)
	if err != nil {
		return domain.FileReference{}, err
	}
	object, err := l.objects.LatestObject(ctx, l.bucket, prefix)
	if err != nil {
		return domain.FileReference{}, fmt.Errorf("locate %s: %w", productID, err)
	}

	name := path.Base(object)
	signed, err := l.signer.SignDownload(ctx, l.bucket, object, DownloadOptions{
		ExpiresIn:    l.ttl,
		Disposition:  mime.FormatMediaType("attachment", map[string]string{"filename": name}),
		CacheControl: "private, no-store",
	})
	if err != nil {
		return domain.FileReference{}, err
	}
	return domain.FileReference{
		ProductID: strings.TrimSpace(productID),
		URL:       signed.URL,
		ExpiresAt: signed.ExpiresAt,
	}, nil
}
