package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"
)

const contentLocatorPrefix = "content:"

// contentAPI is the part of simplecontent.Service the backend uses.
type contentAPI interface {
	UploadContent(ctx context.Context, req simplecontent.UploadContentRequest) (*simplecontent.Content, error)
	DownloadContent(ctx context.Context, contentID uuid.UUID) (io.ReadCloser, error)
	DeleteContent(ctx context.Context, contentID uuid.UUID) error
}

// SimpleContentConfig names the owner and tenant evidence is filed under and
// the simple-content storage backend that holds the bytes.
type SimpleContentConfig struct {
	OwnerID        uuid.UUID
	TenantID       uuid.UUID
	StorageBackend string
}

// SimpleContentBackend keeps each blob as one content record of a
// simple-content service. Locators have the form content:<uuid>; integrity
// is still checked by re-hashing on every read.
type SimpleContentBackend struct {
	svc contentAPI
	cfg SimpleContentConfig
}

func NewSimpleContentBackend(svc simplecontent.Service, cfg SimpleContentConfig) (*SimpleContentBackend, error) {
	if svc == nil {
		return nil, errors.New("simple-content service must be set")
	}
	return newSimpleContentBackend(svc, cfg), nil
}

func newSimpleContentBackend(svc contentAPI, cfg SimpleContentConfig) *SimpleContentBackend {
	return &SimpleContentBackend{svc: svc, cfg: cfg}
}

func (b *SimpleContentBackend) Name() string { return "simplecontent" }

// ContentLocator returns the locator of a simple-content record.
func ContentLocator(id uuid.UUID) Locator {
	return Locator(contentLocatorPrefix + id.String())
}

func parseContentLocator(loc Locator) (uuid.UUID, error) {
	scheme, id, err := parseLocator(loc)
	if err != nil {
		return uuid.Nil, err
	}
	if scheme+":" != contentLocatorPrefix {
		return uuid.Nil, fmt.Errorf("locator %q is not a content record", loc)
	}
	return uuid.Parse(id)
}

func (b *SimpleContentBackend) Put(ctx context.Context, data []byte) (Locator, error) {
	digest := Digest(data)
	content, err := b.svc.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:            b.cfg.OwnerID,
		TenantID:           b.cfg.TenantID,
		Name:               "evidence " + digest[:12],
		DocumentType:       DetectMediaType(data),
		StorageBackendName: b.cfg.StorageBackend,
		Reader:             bytes.NewReader(data),
		FileName:           digest,
		FileSize:           int64(len(data)),
		Tags:               []string{"evidence"},
	})
	if err != nil {
		return "", fmt.Errorf("upload content: %w", err)
	}
	return ContentLocator(content.ID), nil
}

func (b *SimpleContentBackend) Get(ctx context.Context, loc Locator) ([]byte, error) {
	id, err := parseContentLocator(loc)
	if err != nil {
		return nil, err
	}
	reader, err := b.svc.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download content: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return data, nil
}

func (b *SimpleContentBackend) Delete(ctx context.Context, loc Locator) error {
	id, err := parseContentLocator(loc)
	if err != nil {
		return err
	}
	if err := b.svc.DeleteContent(ctx, id); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}
