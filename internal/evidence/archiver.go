package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// API is the subset of the S3 client used to store evidence.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Document is the archived evidence for one evaluation.
type Document struct {
	Compliant    []string `json:"Compliant"`
	NonCompliant []string `json:"NonCompliant"`
}

// Archiver writes evidence documents to an S3 bucket.
type Archiver struct {
	api    API
	bucket string
	logger *slog.Logger

	now       func() time.Time
	newSuffix func() string
}

// NewArchiver creates an Archiver writing to bucket.
func NewArchiver(api API, bucket string, logger *slog.Logger) *Archiver {
	return &Archiver{
		api:    api,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
		newSuffix: func() string {
			return uuid.NewString()[:8]
		},
	}
}

// Archive stores both mount partitions and returns the s3:// path of the object.
//
// Objects are never overwritten. If the key for this second already exists,
// the write is retried once with a random suffix.
func (a *Archiver) Archive(ctx context.Context, instanceID string, compliant, nonCompliant []string) (string, error) {
	doc := Document{
		Compliant:    nonNil(compliant),
		NonCompliant: nonNil(nonCompliant),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}

	key := Key(instanceID, a.now())
	err = a.put(ctx, key, body)
	if isKeyConflict(err) {
		a.logger.Warn("evidence key already exists, retrying with suffix", "key", key)
		key = strings.TrimSuffix(key, ".json") + "-" + a.newSuffix() + ".json"
		err = a.put(ctx, key, body)
	}
	if err != nil {
		return "", fmt.Errorf("put evidence s3://%s/%s: %w", a.bucket, key, err)
	}

	path := Path(a.bucket, key)
	a.logger.Info("evidence archived",
		"path", path,
		"compliant", len(doc.Compliant),
		"non_compliant", len(doc.NonCompliant),
	)
	return path, nil
}

func (a *Archiver) put(ctx context.Context, key string, body []byte) error {
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	return err
}

// Key returns the object key for an instance at time t: "<instanceID>-<unix seconds>.json".
func Key(instanceID string, t time.Time) string {
	return fmt.Sprintf("%s-%d.json", instanceID, t.Unix())
}

// Path returns the fully qualified s3:// path of an object.
func Path(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParsePath splits an s3://bucket/key path.
func ParsePath(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %q", path)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 path %q must be s3://<bucket>/<key>", path)
	}
	return bucket, key, nil
}

func isKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
