package fs

import (
	"context"
	"io"
	"time"
)

// FileMeta 本地文件元数据
type FileMeta struct {
	RelPath   string    // 相对路径 (统一使用 "/" 作为分隔符)
	LocalPath string    // 本地绝对路径
	Size      int64     // 文件大小
	ModTime   time.Time // 修改时间
	IsDir     bool      // 是否为目录
}

// FileSystem 是本地备份源的抽象
type FileSystem interface {
	// Root 返回该文件系统的根路径 (用于日志或调试)
	Root() string

	// ListAll 递归列出所有文件
	// 返回 map[相对路径]元数据，方便快速查找
	ListAll() (map[string]*FileMeta, error)

	// OpenStream 打开文件流 (用于读取数据)
	OpenStream(relPath string) (io.ReadCloser, error)

	// Stat 获取单个文件信息
	Stat(relPath string) (*FileMeta, error)
}

// Reader 按本地绝对路径读取文件，上传调度器只依赖这个接口
type Reader interface {
	Open(localPath string) (io.ReadCloser, error)
	Stat(localPath string) (*FileMeta, error)
}

// ObjectInfo 远端对象信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListInput 列举参数
// Delimiter 为 "/" 时只返回一层 (子目录进入 Folders)，为空时递归列出全部对象
type ListInput struct {
	Prefix    string
	Delimiter string
	Token     string // 续页 token，首页为空
	MaxKeys   int
}

// ListResult 一页列举结果
type ListResult struct {
	Folders   []string // 子目录前缀，以 "/" 结尾
	Files     []ObjectInfo
	NextToken string // 为空表示没有下一页
}

// PutResult 上传结果
type PutResult struct {
	ETag string
}

// PutOptions 上传附加信息
type PutOptions struct {
	// LocalPath 本地源路径，写入对象元数据 original-path
	LocalPath string
}

// ObjectStore 远端对象存储，核心逻辑只调用这几个操作
type ObjectStore interface {
	// PutObject 上传单个对象
	PutObject(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (PutResult, error)

	// ListObjects 分页列举
	ListObjects(ctx context.Context, in ListInput) (*ListResult, error)

	// DeleteObject 删除对象，删除不存在的 key 不算错误
	DeleteObject(ctx context.Context, key string) error

	// SignedURL 生成临时下载地址 (仅预览/下载使用)
	SignedURL(ctx context.Context, key string) (string, error)
}

// BatchDeleter 支持批量删除的存储 (S3 DeleteObjects 单次最多 1000 个)
type BatchDeleter interface {
	DeleteObjects(ctx context.Context, keys []string) error
}

// BucketEnsurer 支持启动时检查/创建 bucket 的存储
type BucketEnsurer interface {
	EnsureBucket(ctx context.Context) (created bool, err error)
}
