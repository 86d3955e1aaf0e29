// Package blob stores evidence bytes behind opaque locators.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-forensics/internal/fault"
)

// Locator is an opaque reference into a Backend. Callers must not derive
// filesystem paths or object keys from it.
type Locator string

const locatorPrefix = "sha256:"

// ErrNotExist is returned by a Backend when a locator has no stored bytes.
var ErrNotExist = errors.New("blob does not exist")

// Backend is the storage engine. Get(Put(b)) must return b.
type Backend interface {
	Put(ctx context.Context, data []byte) (Locator, error)
	Get(ctx context.Context, loc Locator) ([]byte, error)
	Delete(ctx context.Context, loc Locator) error
	Name() string
}

// Digest returns the hex sha256 of data, the content hash recorded at ingestion.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LocatorFor returns the content address for data.
func LocatorFor(data []byte) Locator {
	return Locator(locatorPrefix + Digest(data))
}

// parseLocator splits loc into its scheme and id. Content-addressed
// locators are sha256:<hex>; simple-content records are content:<uuid>.
func parseLocator(loc Locator) (scheme, id string, err error) {
	s := string(loc)
	scheme, id, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed locator %q", s)
	}
	switch scheme + ":" {
	case locatorPrefix:
		if len(id) != sha256.Size*2 {
			return "", "", fmt.Errorf("malformed locator %q", s)
		}
		if _, err := hex.DecodeString(id); err != nil {
			return "", "", fmt.Errorf("malformed locator %q: %w", s, err)
		}
	case contentLocatorPrefix:
		if _, err := uuid.Parse(id); err != nil {
			return "", "", fmt.Errorf("malformed locator %q: %w", s, err)
		}
	default:
		return "", "", fmt.Errorf("malformed locator %q", s)
	}
	return scheme, id, nil
}

// digestOf returns the hex digest of a content-addressed locator.
func digestOf(loc Locator) (string, error) {
	scheme, id, err := parseLocator(loc)
	if err != nil {
		return "", err
	}
	if scheme+":" != locatorPrefix {
		return "", fmt.Errorf("locator %q is not content addressed", loc)
	}
	return id, nil
}

// Client wraps a Backend and maps its failures onto engine error kinds.
type Client struct {
	backend Backend
}

func NewClient(backend Backend) *Client {
	return &Client{backend: backend}
}

func (c *Client) Backend() string { return c.backend.Name() }

func (c *Client) Put(ctx context.Context, data []byte) (Locator, error) {
	loc, err := c.backend.Put(ctx, data)
	if err != nil {
		return "", fault.StorageUnavailable("blob.Put", err)
	}
	return loc, nil
}

func (c *Client) Get(ctx context.Context, loc Locator) ([]byte, error) {
	data, err := c.backend.Get(ctx, loc)
	if errors.Is(err, ErrNotExist) {
		return nil, &fault.Error{Kind: fault.KindNotFound, Op: "blob.Get", Subject: string(loc), Err: err}
	}
	if err != nil {
		return nil, fault.StorageUnavailable("blob.Get", err)
	}
	return data, nil
}

// Delete removes stored bytes. Missing blobs are not an error.
func (c *Client) Delete(ctx context.Context, loc Locator) error {
	if err := c.backend.Delete(ctx, loc); err != nil && !errors.Is(err, ErrNotExist) {
		return fault.StorageUnavailable("blob.Delete", err)
	}
	return nil
}

// ReadAllLimit reads r and fails with a validation error past limit bytes.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fault.Validation("blob.ReadAllLimit", "content exceeds %d bytes", limit)
	}
	return data, nil
}

// DetectMediaType sniffs the content type from the leading bytes.
func DetectMediaType(data []byte) string {
	n := len(data)
	if n > 512 {
		n = 512
	}
	return NormalizeMediaType(http.DetectContentType(data[:n]))
}

// NormalizeMediaType lowercases a media type and strips its parameters.
func NormalizeMediaType(mt string) string {
	mt = strings.TrimSpace(mt)
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(mt)
}
