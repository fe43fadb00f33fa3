package local

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	cfs "cloudbackup/internal/fs"
)

// Adapter 本地文件系统适配器 (备份源)
type Adapter struct {
	rootDir string              // 本地绝对路径根目录
	exclude map[string]struct{} // 按文件/目录名跳过
}

// NewAdapter 创建一个新的本地适配器
func NewAdapter(rootDir string, exclude []string) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		ex[name] = struct{}{}
	}
	return &Adapter{rootDir: absDir, exclude: ex}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// toSysPath 将相对路径转换为本地系统绝对路径
// 输入: "docs/file.txt" -> 输出 (Windows): "D:\Data\docs\file.txt"
func (a *Adapter) toSysPath(relPath string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(relPath))
}

// toRelPath 将本地系统绝对路径转换为统一相对路径
func (a *Adapter) toRelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil {
		return "", err
	}
	// 统一转为 "/" 分隔符
	return filepath.ToSlash(rel), nil
}

// ListAll 递归扫描本地目录，只返回普通文件
// 无权限的子目录只记录日志并跳过，不中断整个扫描
func (a *Adapter) ListAll() (map[string]*cfs.FileMeta, error) {
	info, err := os.Stat(a.rootDir)
	if err != nil {
		return nil, fmt.Errorf("扫描根目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("备份源不是目录: %s", a.rootDir)
	}

	files := make(map[string]*cfs.FileMeta)
	skipped := 0

	err = filepath.WalkDir(a.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == a.rootDir {
				return err
			}
			slog.Warn("扫描文件出错，已跳过", "path", path, "err", err)
			skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// 跳过根目录本身
		if path == a.rootDir {
			return nil
		}

		if _, ok := a.exclude[d.Name()]; ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			slog.Warn("读取文件信息失败，已跳过", "path", path, "err", err)
			skipped++
			return nil
		}

		relPath, err := a.toRelPath(path)
		if err != nil {
			return err
		}

		files[relPath] = &cfs.FileMeta{
			RelPath:   relPath,
			LocalPath: path,
			Size:      fi.Size(),
			ModTime:   fi.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if skipped > 0 {
		slog.Info("本地扫描完成 (部分条目被跳过)", "root", a.rootDir, "files", len(files), "skipped", skipped)
	}
	return files, nil
}

// OpenStream 打开本地文件读取流
func (a *Adapter) OpenStream(relPath string) (io.ReadCloser, error) {
	return os.Open(a.toSysPath(relPath))
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(relPath string) (*cfs.FileMeta, error) {
	meta, err := statPath(a.toSysPath(relPath))
	if err != nil {
		return nil, err
	}
	meta.RelPath = relPath
	return meta, nil
}

// Reader 按绝对路径读取本地文件，实现 fs.Reader
type Reader struct{}

// Open 打开文件
func (Reader) Open(localPath string) (io.ReadCloser, error) {
	return os.Open(localPath)
}

// Stat 获取文件信息
func (Reader) Stat(localPath string) (*cfs.FileMeta, error) {
	return statPath(localPath)
}

func statPath(fullPath string) (*cfs.FileMeta, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, err
	}
	return &cfs.FileMeta{
		LocalPath: fullPath,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		IsDir:     info.IsDir(),
	}, nil
}
