package runbook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

// Uploader stores a local file in the artifact registry under key.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (UploadResult, error)
}

type UploadResult struct {
	Bucket string
	Key    string
	ETag   string
	Size   int64
}

type minioUploader struct {
	client *minio.Client
	bucket string
	region string

	mu    sync.Mutex
	ready bool
}

func newMinioUploader(cfg RegistryConfig) (*minioUploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	return &minioUploader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (u *minioUploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ready {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return err
		}
	}
	u.ready = true
	return nil
}

func (u *minioUploader) Upload(ctx context.Context, key, localPath string) (UploadResult, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return UploadResult{}, fmt.Errorf("ensure bucket %s: %w", u.bucket, err)
	}
	info, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{Bucket: info.Bucket, Key: info.Key, ETag: info.ETag, Size: info.Size}, nil
}

func (rb *Runbook) registryUploader() (Uploader, error) {
	rb.upMu.Lock()
	defer rb.upMu.Unlock()
	if rb.uploader != nil {
		return rb.uploader, nil
	}
	if !rb.cfg.Registry.Configured() {
		return nil, failure.Newf(failure.ValidationFailure, "invalid argument: no artifact registry configured (set registry.endpoint)")
	}
	u, err := newMinioUploader(rb.cfg.Registry)
	if err != nil {
		return nil, failure.Newf(failure.ValidationFailure, "invalid argument: artifact registry: %v", err)
	}
	rb.uploader = u
	return u, nil
}

func (rb *Runbook) pushTool() tool.Tool {
	return tool.Tool{
		Definition: tool.Definition{
			Name:        "robot.push",
			Description: "Upload a wrapped robot artifact to the artifact registry",
			Params: []tool.Param{
				robotPathParam,
				optional("artifact", "Artifact path relative to robot_path; defaults to robot.zip"),
				optional("key", "Object key; defaults to <robot dir name>.zip under the registry prefix"),
			},
		},
		Exec: rb.push,
	}
}

func (rb *Runbook) push(ctx context.Context, args map[string]any) (tool.Payload, error) {
	robotDir := rb.resolve(tool.StringArg(args, "robot_path", ""))
	artifact := tool.StringArg(args, "artifact", "robot.zip")
	if !filepath.IsAbs(artifact) {
		artifact = filepath.Join(robotDir, artifact)
	}
	st, err := os.Stat(artifact)
	if errors.Is(err, fs.ErrNotExist) {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument: artifact %s does not exist; run robot.wrap first", artifact)
	}
	if err != nil {
		return tool.Payload{}, err
	}
	if st.IsDir() {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument: artifact %s is a directory", artifact)
	}

	key := tool.StringArg(args, "key", "")
	if key == "" {
		base := filepath.Base(robotDir)
		if robotDir == "" || base == "." || base == string(filepath.Separator) {
			base = strings.TrimSuffix(filepath.Base(artifact), filepath.Ext(artifact))
		}
		key = base + ".zip"
	}
	if prefix := strings.Trim(rb.cfg.Registry.Prefix, "/"); prefix != "" {
		key = path.Join(prefix, key)
	}

	u, err := rb.registryUploader()
	if err != nil {
		return tool.Payload{}, err
	}
	res, err := u.Upload(ctx, key, artifact)
	if err != nil {
		return tool.Payload{}, registryFailure(err)
	}
	rb.logger.Info().Str("bucket", res.Bucket).Str("key", res.Key).Int64("size", res.Size).Msg("robot pushed")
	return tool.Payload{
		Output: fmt.Sprintf("Pushed %s to %s/%s (%d bytes, etag %s)", artifact, res.Bucket, res.Key, res.Size, res.ETag),
		Data: map[string]any{
			"bucket": res.Bucket,
			"key":    res.Key,
			"etag":   res.ETag,
			"size":   res.Size,
		},
	}, nil
}

// registryFailure tags registry errors as remote failures, keeping the S3
// error code in the message when there is one.
func registryFailure(err error) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Category != "" {
		return fe
	}
	msg := err.Error()
	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		msg = fmt.Sprintf("registry %s (HTTP %d): %s", resp.Code, resp.StatusCode, resp.Message)
	}
	return &failure.Error{Category: failure.RemoteServiceFailure, Message: msg, Err: err}
}
