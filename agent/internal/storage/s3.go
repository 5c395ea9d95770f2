package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3ErrTerminalPermission lists the S3 error codes that indicate a bad or
// insufficient credential. These are never retried.
var s3ErrTerminalPermission = map[string]bool{
	"AccessDenied":            true,
	"InvalidAccessKeyId":      true,
	"SignatureDoesNotMatch":   true,
	"AccountProblem":          true,
	"AllAccessDisabled":       true,
}

// S3Creds is the credential variant for S3 connectors.
type S3Creds struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string // optional, for S3-compatible stores
}

// S3CredsFromMap builds S3Creds from a vault credential map.
func S3CredsFromMap(m map[string]string) S3Creds {
	return S3Creds{
		AccessKeyID:     m["access_key_id"],
		SecretAccessKey: m["secret_access_key"],
		Region:          m["region"],
		Endpoint:        m["endpoint"],
	}
}

// S3Adapter lists objects in S3 buckets. Locations are "bucket" or
// "bucket/prefix"; returned paths are object keys relative to the prefix.
type S3Adapter struct {
	client *s3.Client
	// testBucket is probed by TestConnection; empty means HeadBucket is
	// skipped and only credential resolution is verified.
	testBucket string
}

// NewS3 builds an S3Adapter from static credentials.
func NewS3(ctx context.Context, creds S3Creds, testBucket string) (*S3Adapter, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, newError(KindConnectionFailure, "s3: load config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Adapter{client: client, testBucket: testBucket}, nil
}

// ListFiles implements Adapter.
func (a *S3Adapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	infos, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements Adapter. The paginated listing is retried
// as a whole on transient errors; permission errors surface immediately.
func (a *S3Adapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileInfo, error) {
	bucket, prefix, err := splitBucketLocation(location)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	listOnce := func() error {
		files = files[:0]
		input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		if prefix != "" {
			input.Prefix = aws.String(prefix + "/")
		}

		paginator := s3.NewListObjectsV2Paginator(a.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return a.classify("s3: list objects", err)
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				rel := strings.TrimPrefix(key, prefix+"/")
				if prefix == "" {
					rel = key
				}
				if rel == "" || strings.HasSuffix(rel, "/") {
					continue
				}
				fi := FileInfo{Path: rel, Size: aws.ToInt64(obj.Size)}
				if obj.LastModified != nil {
					fi.ModTime = *obj.LastModified
				}
				files = append(files, fi)
			}
		}
		return nil
	}

	if err := withRetry(ctx, listOnce); err != nil {
		return nil, err
	}
	return files, nil
}

// TestConnection implements Adapter.
func (a *S3Adapter) TestConnection(ctx context.Context) (bool, string) {
	if a.testBucket == "" {
		return true, "credentials loaded (no bucket probe configured)"
	}
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.testBucket)})
	if err != nil {
		return false, fmt.Sprintf("HeadBucket %s failed: %v", a.testBucket, err)
	}
	return true, fmt.Sprintf("bucket %s reachable", a.testBucket)
}

// classify maps an AWS SDK error to a normalized Error.
func (a *S3Adapter) classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case s3ErrTerminalPermission[code]:
			return newError(KindPermissionDenied, op, err)
		case code == "NoSuchBucket" || code == "NoSuchKey":
			return newError(KindNotFound, op, err)
		}
	}
	return newError(KindConnectionFailure, op, err)
}

// splitBucketLocation splits "bucket/prefix" into its parts, trimming any
// scheme prefix and trailing slashes.
func splitBucketLocation(location string) (bucket, prefix string, err error) {
	loc := location
	for _, scheme := range []string{"s3://", "gs://"} {
		loc = strings.TrimPrefix(loc, scheme)
	}
	loc = strings.Trim(loc, "/")
	if loc == "" {
		return "", "", newError(KindInvalidLocation, "split location "+location,
			errors.New("empty bucket"))
	}
	parts := strings.SplitN(loc, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}
