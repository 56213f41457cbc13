package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// S3Store keeps records in Amazon S3 or a compatible object store.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3-backed record store. Credentials are
// required: record appends must be durable, a read-only store is of no
// use here.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 record store requires write credentials")
	}

	cfg := aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      prefix,
		log:         log,
		locationURI: uri,
	}, nil
}

func (s *S3Store) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	data, id, err := encodeRecord(record)
	if err != nil {
		return interfaces.Hash{}, err
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(s.objectKey(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return id, fmt.Errorf("failed to store record in s3: %w", err)
	}

	s.log.Debug("Stored consistency record",
		slog.String("bucket", s.bucketName),
		slog.String("key", s.objectKey(id)),
		slog.Bool("match", record.Match))
	return id, nil
}

func (s *S3Store) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return interfaces.ConsistencyRecord{}, ErrRecordNotFound
		}
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to fetch record from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to read record body: %w", err)
	}
	return decodeRecord(data)
}

func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err == nil
}

func (s *S3Store) Name() string        { return "s3" }
func (s *S3Store) LocationURI() string { return s.locationURI }

func (s *S3Store) objectKey(id interfaces.Hash) string {
	return path.Join(s.prefix, "records", id.String()+".json")
}
