package s3compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"cloudbackup/internal/fs"
)

// S3 DeleteObjects 单次请求的上限
const maxDeleteBatch = 1000

const (
	// 超过该大小 (或大小未知) 走分片上传，单次 PUT 上限是 5 GiB
	defaultMultipartThreshold = 64 << 20
	defaultPartSize           = 16 << 20
	uploadConcurrency         = 4
)

// API 是 Adapter 用到的 *s3.Client 方法子集，测试时可替换
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Uploader 分片上传，由 manager.Uploader 实现
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Presigner 生成预签名 GET 请求
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

// Options 连接参数
type Options struct {
	Endpoint      string // 例如 "https://ewr1.vultrobjects.com"，为空则使用 AWS 默认
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PresignExpiry time.Duration

	// MultipartThreshold 大于该字节数的文件分片上传，0 使用默认 64 MiB
	MultipartThreshold int64
	PartSize           int64
}

// Adapter 实现了 fs.ObjectStore / fs.BatchDeleter / fs.BucketEnsurer
type Adapter struct {
	api           API
	presigner     Presigner
	bucket        string
	presignExpiry time.Duration

	uploader           Uploader // 为空时只用单次 PUT
	multipartThreshold int64
}

// NewClient 根据配置创建 S3 客户端
func NewClient(ctx context.Context, opts *Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(normalizeEndpoint(opts.Endpoint))
		}
		o.UsePathStyle = opts.PathStyle
		// 重试由上传引擎的退避统一负责，SDK 只发一次
		o.RetryMaxAttempts = 1
	}), nil
}

// New 创建连接真实 S3 兼容存储的适配器
func New(ctx context.Context, opts *Options) (*Adapter, error) {
	client, err := NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	a := NewAdapter(client, s3.NewPresignClient(client), opts.Bucket, opts.PresignExpiry)

	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	a.SetUploader(manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = uploadConcurrency
	}), opts.MultipartThreshold)
	return a, nil
}

// NewAdapter 创建适配器实例
func NewAdapter(api API, presigner Presigner, bucket string, presignExpiry time.Duration) *Adapter {
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &Adapter{api: api, presigner: presigner, bucket: bucket, presignExpiry: presignExpiry}
}

// SetUploader 设置分片上传器，threshold <= 0 使用默认阈值
func (a *Adapter) SetUploader(u Uploader, threshold int64) {
	if threshold <= 0 {
		threshold = defaultMultipartThreshold
	}
	a.uploader = u
	a.multipartThreshold = threshold
}

// Bucket 返回 bucket 名称
func (a *Adapter) Bucket() string {
	return a.bucket
}

// EnsureBucket 检查 bucket 是否存在，不存在则创建
func (a *Adapter) EnsureBucket(ctx context.Context) (bool, error) {
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return false, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("检查 bucket %s 失败: %w", a.bucket, err)
	}

	slog.Warn("bucket 不存在，正在创建", "bucket", a.bucket)
	if _, err := a.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return false, fmt.Errorf("创建 bucket %s 失败: %w", a.bucket, err)
	}
	return true, nil
}

// PutObject 上传单个对象，大文件交给分片上传器
func (a *Adapter) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts fs.PutOptions) (fs.PutResult, error) {
	meta := map[string]string{
		"backup-date": time.Now().UTC().Format(time.RFC3339),
	}
	if opts.LocalPath != "" {
		// 元数据头只能是 ASCII
		meta["original-path"] = (&url.URL{Path: opts.LocalPath}).EscapedPath()
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: meta,
	}

	if a.uploader != nil && (size < 0 || size > a.multipartThreshold) {
		out, err := a.uploader.Upload(ctx, in)
		if err != nil {
			return fs.PutResult{}, fmt.Errorf("multipart put %s: %w", key, err)
		}
		return fs.PutResult{ETag: aws.ToString(out.ETag)}, nil
	}

	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	out, err := a.api.PutObject(ctx, in)
	if err != nil {
		return fs.PutResult{}, fmt.Errorf("put %s: %w", key, err)
	}
	return fs.PutResult{ETag: aws.ToString(out.ETag)}, nil
}

// ListObjects 分页列举 (ListObjectsV2)
func (a *Adapter) ListObjects(ctx context.Context, in fs.ListInput) (*fs.ListResult, error) {
	req := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
	}
	if in.Prefix != "" {
		req.Prefix = aws.String(in.Prefix)
	}
	if in.Delimiter != "" {
		req.Delimiter = aws.String(in.Delimiter)
	}
	if in.Token != "" {
		req.ContinuationToken = aws.String(in.Token)
	}
	if in.MaxKeys > 0 {
		req.MaxKeys = aws.Int32(int32(in.MaxKeys))
	}

	out, err := a.api.ListObjectsV2(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", in.Prefix, err)
	}

	res := &fs.ListResult{}
	for _, p := range out.CommonPrefixes {
		res.Folders = append(res.Folders, aws.ToString(p.Prefix))
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		// 部分存储会把目录占位对象 ("a/b/") 也列出来
		if in.Delimiter != "" && strings.HasSuffix(key, in.Delimiter) {
			continue
		}
		res.Files = append(res.Files, fs.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		res.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

// DeleteObject 删除对象 (S3 删除不存在的 key 本身就返回成功)
func (a *Adapter) DeleteObject(ctx context.Context, key string) error {
	_, err := a.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteObjects 批量删除，每 1000 个 key 一次请求
func (a *Adapter) DeleteObjects(ctx context.Context, keys []string) error {
	var failed []string
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := a.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("批量删除失败 (%d/%d): %w", start, len(keys), err)
		}
		for _, e := range out.Errors {
			if code := aws.ToString(e.Code); code == "NoSuchKey" {
				continue
			}
			failed = append(failed, aws.ToString(e.Key))
			slog.Warn("删除对象失败", "key", aws.ToString(e.Key), "code", aws.ToString(e.Code), "msg", aws.ToString(e.Message))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d 个对象删除失败, 第一个: %s", len(failed), failed[0])
	}
	return nil
}

// SignedURL 生成预签名下载地址
func (a *Adapter) SignedURL(ctx context.Context, key string) (string, error) {
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// isNotFound 判断 S3 的 404 类错误
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

// normalizeEndpoint 补全协议头，兼容 "ewr1.vultrobjects.com" 这种写法
func normalizeEndpoint(ep string) string {
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	return "https://" + ep
}
