package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

var (
	// ErrCacheMiss is returned when a key is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrImmutable is returned when a put would replace an entry with different content
	ErrImmutable = errors.New("cache entry already holds different content")
)

// Backend stores opaque values. Writes never overwrite an existing key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Key identifies one cached resource
type Key struct {
	DataSource  string
	Kind        models.ResourceKind
	StudyUID    string
	SeriesUID   string
	InstanceUID string
	Variant     string // frame list or bulk data URI
}

// KeyFor derives the cache key of a resource
func KeyFor(dataSource string, res models.Resource) Key {
	k := Key{
		DataSource:  dataSource,
		Kind:        res.Kind,
		StudyUID:    res.StudyUID,
		SeriesUID:   res.SeriesUID,
		InstanceUID: res.InstanceUID,
	}
	switch {
	case len(res.Frames) > 0:
		frames := make([]string, len(res.Frames))
		for i, f := range res.Frames {
			frames[i] = strconv.Itoa(f)
		}
		k.Variant = strings.Join(frames, ",")
	case res.BulkDataURI != "":
		k.Variant = res.BulkDataURI
	}
	return k
}

func (k Key) String() string {
	return CacheKey(k.DataSource, k.StudyUID, k.SeriesUID, k.InstanceUID, string(k.Kind), k.Variant)
}

// CacheKey generates a cache key
func CacheKey(dataSource, studyUID, seriesUID, instanceUID, kind, variant string) string {
	key := "viewer:" + dataSource + ":" + kind + ":" + studyUID
	if seriesUID != "" {
		key += ":" + seriesUID
	}
	if instanceUID != "" {
		key += ":" + instanceUID
	}
	if variant != "" {
		key += "#" + variant
	}
	return key
}

// Entry is the cached value of a resource: metadata JSON or pixel parts
type Entry struct {
	ContentType string   `cbor:"1,keyasint"`
	Parts       [][]byte `cbor:"2,keyasint"`
}

// Equal reports content identity
func (e Entry) Equal(other Entry) bool {
	if e.ContentType != other.ContentType || len(e.Parts) != len(other.Parts) {
		return false
	}
	for i := range e.Parts {
		if !bytes.Equal(e.Parts[i], other.Parts[i]) {
			return false
		}
	}
	return true
}

// Size returns the payload size in bytes
func (e Entry) Size() int {
	n := 0
	for _, p := range e.Parts {
		n += len(p)
	}
	return n
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeEntry(e Entry) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return e, nil
}
