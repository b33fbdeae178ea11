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

	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/resolve"
)

// PublicBackend reads objects from a public bucket front over plain HTTPS,
// with no credentials. Writes, deletes, copies, and listings are not part of
// the public protocol and fail with core.ErrInvalidConfig.
type PublicBackend struct {
	baseURL string
	http    *http.Client
}

func NewPublicBackend(baseURL string, tc core.TransferConfig) *PublicBackend {
	return &PublicBackend{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   tc.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          tc.PoolSize,
				MaxIdleConnsPerHost:   tc.PoolSize,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: tc.ReadTimeout,
			},
		},
	}
}

func (b *PublicBackend) Get(ctx context.Context, bucket, key string, opts GetOptions) (io.ReadCloser, core.ObjectInfo, error) {
	if opts.VersionID != "" {
		return nil, core.ObjectInfo{}, fmt.Errorf("%w: public reads cannot address a version id", core.ErrInvalidConfig)
	}

	url := resolve.PublicURL(b.baseURL, core.ObjectLocator{Bucket: bucket, Key: key})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.ObjectInfo{}, err
	}
	if opts.Range != nil {
		req.Header.Set("Range", formatRange(*opts.Range))
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, core.ObjectInfo{}, classifyHTTP(0, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, core.ObjectInfo{}, classifyHTTP(resp.StatusCode, nil)
	}

	return resp.Body, infoFromHeader(key, resp), nil
}

func (b *PublicBackend) Head(ctx context.Context, bucket, key string) (core.ObjectInfo, error) {
	url := resolve.PublicURL(b.baseURL, core.ObjectLocator{Bucket: bucket, Key: key})
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return core.ObjectInfo{}, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return core.ObjectInfo{}, classifyHTTP(0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.ObjectInfo{}, classifyHTTP(resp.StatusCode, nil)
	}
	return infoFromHeader(key, resp), nil
}

func (b *PublicBackend) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	return errPublicReadOnly
}

func (b *PublicBackend) Delete(ctx context.Context, bucket, key string) error {
	return errPublicReadOnly
}

func (b *PublicBackend) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return errPublicReadOnly
}

func (b *PublicBackend) List(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int) (ListPage, error) {
	return ListPage{}, errPublicReadOnly
}

func (b *PublicBackend) ListVersions(ctx context.Context, bucket, prefix, keyMarker string) (VersionPage, error) {
	return VersionPage{}, errPublicReadOnly
}

func (b *PublicBackend) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

var errPublicReadOnly = fmt.Errorf("%w: public backend is read-only", core.ErrInvalidConfig)

func infoFromHeader(key string, resp *http.Response) core.ObjectInfo {
	info := core.ObjectInfo{
		Key:  key,
		Size: resp.ContentLength,
		ETag: strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if t, err := time.Parse(http.TimeFormat, resp.Header.Get("Last-Modified")); err == nil {
		info.LastModified = t.Unix()
	}
	return info
}

func classifyHTTP(status int, err error) error {
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %v", core.ErrTransient, err)
		}
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: http %d", core.ErrNotFound, status)
	case status >= 500, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", core.ErrTransient, status)
	default:
		return fmt.Errorf("%w: http %d", core.ErrTransferFailed, status)
	}
}
