// Package attachment uploads files and audio clips to S3-compatible object
// storage. Messages keep a stable object reference; download URLs are
// presigned only when a message is shown.
package attachment

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"crewchat/core/internal/store"
	"crewchat/core/internal/util"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// DefaultURLLifetime is how long a download URL handed to a reader stays valid.
const DefaultURLLifetime = time.Hour

const refScheme = "s3"

// Attachment is an uploaded object. Ref is what a message stores.
type Attachment struct {
	Key      string
	Ref      string
	FileName string
	Kind     store.Kind
}

type Store struct {
	client *minio.Client
	bucket string
	region string
	urlTTL time.Duration
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("attachment store: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region, urlTTL: DefaultURLLifetime}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Printf("attachment: created bucket %s", s.bucket)
	return nil
}

// Upload stores r under a fresh key in roomID and returns its reference.
// size may be -1 when unknown.
func (s *Store) Upload(ctx context.Context, roomID, fileName string, r io.Reader, size int64) (Attachment, error) {
	key := ObjectKey(roomID, util.NewID("att"), fileName)
	contentType := ContentType(fileName)
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return Attachment{}, fmt.Errorf("upload %s: %w", fileName, err)
	}
	return Attachment{
		Key:      key,
		Ref:      Ref(s.bucket, key),
		FileName: filepath.Base(fileName),
		Kind:     KindFor(contentType),
	}, nil
}

// DownloadURL presigns a short-lived GET URL for ref. Values that are not
// object references, such as links stored by other clients, come back as is.
func (s *Store) DownloadURL(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := ParseRef(ref)
	if !ok {
		return ref, nil
	}
	if bucket != s.bucket {
		return "", fmt.Errorf("presign %s: bucket %s is not served here", ref, bucket)
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Ref is the durable reference to an object: s3://bucket/key.
func Ref(bucket, key string) string {
	return (&url.URL{Scheme: refScheme, Host: bucket, Path: "/" + key}).String()
}

// ParseRef splits a reference built by Ref.
func ParseRef(ref string) (bucket, key string, ok bool) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != refScheme || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}

// ObjectKey places an upload under its room. The file name is reduced to a
// safe base name.
func ObjectKey(roomID, id, fileName string) string {
	return path.Join("rooms", safeName(roomID), id+"-"+safeName(fileName))
}

// Voice notes come in formats the system MIME tables often lack.
var audioTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".weba": "audio/webm",
}

// ContentType guesses the MIME type from the file extension.
func ContentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// KindFor maps a content type to the message kind that carries it.
func KindFor(contentType string) store.Kind {
	if strings.HasPrefix(contentType, "audio/") {
		return store.KindAudio
	}
	return store.KindFile
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
