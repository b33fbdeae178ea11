package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

// S3Backend speaks the S3 API through the AWS SDK. SDK-level retries are
// disabled; the transfer engine owns the retry policy.
type S3Backend struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	http     *http.Client
}

// NewS3Backend builds a backend for an S3-compatible endpoint. Credentials
// come from the config when set, otherwise from the SDK default chain; this
// layer never discovers credentials itself.
func NewS3Backend(cfg core.Config) (*S3Backend, error) {
	tc := cfg.Transfer

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   tc.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          tc.PoolSize,
			MaxIdleConnsPerHost:   tc.PoolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: tc.ReadTimeout,
			TLSHandshakeTimeout:   tc.ConnectTimeout,
		},
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithHTTPClient(httpClient).
		WithMaxRetries(0).
		WithS3ForcePathStyle(true)
	if cfg.EndpointURL != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.EndpointURL)
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}

	svc := s3.New(sess)
	partSize := int64(tc.ChunkSizeBytes)
	if partSize < s3manager.MinUploadPartSize {
		partSize = s3manager.MinUploadPartSize
	}
	uploader := s3manager.NewUploaderWithClient(svc, func(u *s3manager.Uploader) {
		u.PartSize = partSize
		u.LeavePartsOnError = false
	})

	return &S3Backend{svc: svc, uploader: uploader, http: httpClient}, nil
}

func (b *S3Backend) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := b.uploader.UploadWithContext(ctx, input)
	return classify(err)
}

func (b *S3Backend) Get(ctx context.Context, bucket, key string, opts GetOptions) (io.ReadCloser, core.ObjectInfo, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if opts.VersionID != "" {
		input.VersionId = aws.String(opts.VersionID)
	}
	if opts.Range != nil {
		input.Range = aws.String(formatRange(*opts.Range))
	}

	out, err := b.svc.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, core.ObjectInfo{}, classify(err)
	}

	info := core.ObjectInfo{
		Key:  key,
		Size: aws.Int64Value(out.ContentLength),
		ETag: strings.Trim(aws.StringValue(out.ETag), `"`),
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.Unix()
	}
	if out.VersionId != nil {
		info.VersionID = aws.StringValue(out.VersionId)
	}
	return out.Body, info, nil
}

func (b *S3Backend) Head(ctx context.Context, bucket, key string) (core.ObjectInfo, error) {
	out, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return core.ObjectInfo{}, classify(err)
	}

	info := core.ObjectInfo{
		Key:  key,
		Size: aws.Int64Value(out.ContentLength),
		ETag: strings.Trim(aws.StringValue(out.ETag), `"`),
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.Unix()
	}
	if out.VersionId != nil {
		info.VersionID = aws.StringValue(out.VersionId)
	}
	return info, nil
}

func (b *S3Backend) Delete(ctx context.Context, bucket, key string) error {
	_, err := b.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return classify(err)
}

func (b *S3Backend) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := b.svc.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(dstBucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(srcBucket + "/" + srcKey),
		MetadataDirective: aws.String(s3.MetadataDirectiveCopy),
	})
	return classify(err)
}

func (b *S3Backend) List(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int) (ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int64(int64(maxKeys))
	}

	out, err := b.svc.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return ListPage{}, classify(err)
	}

	page := ListPage{NextToken: aws.StringValue(out.NextContinuationToken)}
	for _, obj := range out.Contents {
		info := core.ObjectInfo{
			Key:  aws.StringValue(obj.Key),
			Size: aws.Int64Value(obj.Size),
			ETag: strings.Trim(aws.StringValue(obj.ETag), `"`),
		}
		if obj.LastModified != nil {
			info.LastModified = obj.LastModified.Unix()
		}
		page.Objects = append(page.Objects, info)
	}
	return page, nil
}

func (b *S3Backend) ListVersions(ctx context.Context, bucket, prefix, keyMarker string) (VersionPage, error) {
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if keyMarker != "" {
		input.KeyMarker = aws.String(keyMarker)
	}

	out, err := b.svc.ListObjectVersionsWithContext(ctx, input)
	if err != nil {
		return VersionPage{}, classify(err)
	}

	page := VersionPage{NextKeyMarker: aws.StringValue(out.NextKeyMarker)}
	for _, v := range out.Versions {
		info := core.ObjectInfo{
			Key:       aws.StringValue(v.Key),
			Size:      aws.Int64Value(v.Size),
			ETag:      strings.Trim(aws.StringValue(v.ETag), `"`),
			VersionID: aws.StringValue(v.VersionId),
			IsLatest:  aws.BoolValue(v.IsLatest),
		}
		if v.LastModified != nil {
			info.LastModified = v.LastModified.Unix()
		}
		page.Versions = append(page.Versions, info)
	}
	return page, nil
}

func (b *S3Backend) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

func formatRange(r ByteRange) string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// classify maps SDK failures onto the core taxonomy. Absence becomes
// ErrNotFound; timeouts, throttling, and 5xx become ErrTransient so the
// engine can retry; everything else propagates as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("%w: %v", core.ErrNotFound, err)
		}
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		if rf.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %v", core.ErrNotFound, err)
		}
		if rf.StatusCode() >= 500 || rf.StatusCode() == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", core.ErrTransient, err)
		}
	}

	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}

	return err
}
