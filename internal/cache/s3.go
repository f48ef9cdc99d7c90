package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	updatedAtMetaKey = "updated_at"
	statusMetaKey    = "status"
	methodMetaKey    = "method"
	urlMetaKey       = "url"
	headerMetaKey    = "header"

	markerName  = ".cache"
	entriesDir  = "entries/"
	deleteBatch = 1000
	headerLimit = 1536
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Storage lays caches out under one prefix per cache name:
//
//	<prefix><name>/.cache            marker written by Open
//	<prefix><name>/entries/<sha256>  one object per entry
type S3Storage struct {
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

func NewS3Storage(bucket, prefix string, client S3API) *S3Storage {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Storage{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (s *S3Storage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return nil, errors.New("invalid cache name")
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.cachePrefix(name) + markerName),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, err
	}
	return &s3Store{storage: s, name: name}, nil
}

func (s *S3Storage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.cachePrefix(name) + markerName),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Storage) Names(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) (bool, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.cachePrefix(name)),
	})
	var batch []types.ObjectIdentifier
	deleted := false
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		return err
	}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, err
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			deleted = true
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
	}
	return deleted, flush()
}

func (s *S3Storage) cachePrefix(name string) string {
	return s.prefix + name + "/"
}

type s3Store struct {
	storage *S3Storage
	name    string
}

func (c *s3Store) objectKey(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return c.storage.cachePrefix(c.name) + entriesDir + hex.EncodeToString(sum[:])
}

func (c *s3Store) Get(ctx context.Context, key Key) (Entry, error) {
	out, err := c.storage.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.storage.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, err
	}

	header := decodeHeader(out.Metadata)
	if ct := aws.ToString(out.ContentType); ct != "" {
		header.Set("Content-Type", ct)
	}
	if ce := aws.ToString(out.ContentEncoding); ce != "" {
		header.Set("Content-Encoding", ce)
	}
	return Entry{
		Status:    parseStatus(out.Metadata),
		Header:    header,
		Body:      body,
		UpdatedAt: parseUpdatedAt(out.Metadata),
	}, nil
}

// Put refuses to write once the cache marker is gone.
func (c *s3Store) Put(ctx context.Context, key Key, entry Entry) error {
	ok, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put %s into %q: %w", key, c.name, ErrDeleted)
	}

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	meta := map[string]string{
		updatedAtMetaKey: strconv.FormatInt(updatedAt.Unix(), 10),
		statusMetaKey:    strconv.Itoa(entry.Status),
		methodMetaKey:    key.Method,
		urlMetaKey:       key.URL,
	}
	if h := encodeHeader(entry.Header); h != "" {
		meta[headerMetaKey] = h
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(c.storage.bucket),
		Key:      aws.String(c.objectKey(key)),
		Body:     bytes.NewReader(entry.Body),
		Metadata: meta,
	}
	if ct := entry.Header.Get("Content-Type"); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if ce := entry.Header.Get("Content-Encoding"); ce != "" {
		input.ContentEncoding = aws.String(ce)
	}

	_, err = c.storage.uploader.Upload(ctx, input)
	return err
}

func (c *s3Store) Delete(ctx context.Context, key Key) error {
	_, err := c.storage.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.storage.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	return err
}

func (c *s3Store) Keys(ctx context.Context) ([]Key, error) {
	var keys []Key
	p := s3.NewListObjectsV2Paginator(c.storage.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.storage.bucket),
		Prefix: aws.String(c.storage.cachePrefix(c.name) + entriesDir),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			head, err := c.storage.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(c.storage.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, err
			}
			keys = append(keys, Key{Method: head.Metadata[methodMetaKey], URL: head.Metadata[urlMetaKey]})
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Count lists the entry objects without reading their metadata.
func (c *s3Store) Count(ctx context.Context) (int, error) {
	n := 0
	p := s3.NewListObjectsV2Paginator(c.storage.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.storage.bucket),
		Prefix: aws.String(c.storage.cachePrefix(c.name) + entriesDir),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		n += len(page.Contents)
	}
	return n, nil
}

// encodeHeader packs the headers S3 has no native field for into one
// metadata value. Oversized headers are dropped; S3 caps user metadata.
func encodeHeader(h http.Header) string {
	rest := StorableHeader(h)
	rest.Del("Content-Type")
	rest.Del("Content-Encoding")
	if len(rest) == 0 {
		return ""
	}
	raw, err := json.Marshal(rest)
	if err != nil || len(raw) > headerLimit {
		return ""
	}
	return string(raw)
}

func decodeHeader(meta map[string]string) http.Header {
	h := http.Header{}
	raw, ok := meta[headerMetaKey]
	if !ok || raw == "" {
		return h
	}
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return http.Header{}
	}
	return h
}

func parseStatus(meta map[string]string) int {
	n, err := strconv.Atoi(meta[statusMetaKey])
	if err != nil || n <= 0 {
		return http.StatusOK
	}
	return n
}

func parseUpdatedAt(meta map[string]string) time.Time {
	if meta == nil {
		return time.Time{}
	}
	val, ok := meta[updatedAtMetaKey]
	if !ok {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
