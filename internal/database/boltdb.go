package database

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketName 是数据库中的“表名”，每个任务一个子 bucket
	BucketName = "PendingJobs"

	recordKey      = "record"
	manifestKey    = "manifest"
	uploadedBucket = "uploaded"
)

var (
	// ErrNotFound 任务记录不存在
	ErrNotFound = errors.New("pending job not found")
	// ErrExists 任务记录已存在
	ErrExists = errors.New("pending job already exists")
)

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
	now  func() time.Time
}

// Open 初始化并打开任务账本
// 上次进程退出时仍处于 running 的任务会被标记为 interrupted
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	d := &DB{conn: db, now: time.Now}

	var interrupted []string
	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(BucketName))
		if err != nil {
			return err
		}

		// 先收集再修改，遍历游标期间不写 bucket
		var ids []string
		if err := root.ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		}); err != nil {
			return err
		}

		for _, id := range ids {
			jb := root.Bucket([]byte(id))
			rec, err := readRecord(jb)
			if err != nil {
				return fmt.Errorf("解析任务记录失败 job=%s: %w", id, err)
			}
			if rec.Status != StatusRunning {
				continue
			}
			rec.Status = StatusInterrupted
			if err := writeRecord(jb, rec); err != nil {
				return err
			}
			interrupted = append(interrupted, id)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化任务账本失败: %w", err)
	}

	for _, id := range interrupted {
		slog.Warn("发现上次中断的任务", "job", id)
	}
	return d, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// CreateJob 创建任务记录和源文件清单
func (d *DB) CreateJob(rec *PendingJob, manifest []ManifestEntry) error {
	now := d.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.LastActivity = now
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	rec.Progress.FilesTotal = int64(len(manifest))

	mdata, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("序列化清单失败: %w", err)
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(BucketName))
		if root.Bucket([]byte(rec.JobID)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, rec.JobID)
		}
		jb, err := root.CreateBucket([]byte(rec.JobID))
		if err != nil {
			return err
		}
		if _, err := jb.CreateBucket([]byte(uploadedBucket)); err != nil {
			return err
		}
		if err := jb.Put([]byte(manifestKey), mdata); err != nil {
			return err
		}
		return writeRecord(jb, rec)
	})
}

// Get 获取单个任务记录 (含已上传 key)
func (d *DB) Get(jobID string) (*PendingJob, error) {
	var rec *PendingJob
	err := d.conn.View(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}
		rec, err = readRecord(jb)
		if err != nil {
			return err
		}
		rec.UploadedKeys = readUploaded(jb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPending 返回所有未完成的任务，按开始时间排序
// 完成的任务在完成时即被删除，所以账本里剩下的都是未完成的
func (d *DB) ListPending() ([]*PendingJob, error) {
	var result []*PendingJob

	err := d.conn.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(BucketName))
		return root.ForEachBucket(func(k []byte) error {
			jb := root.Bucket(k)
			rec, err := readRecord(jb)
			if err != nil {
				return fmt.Errorf("解析任务记录失败 job=%s: %w", string(k), err)
			}
			rec.UploadedKeys = readUploaded(jb)
			result = append(result, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// RecordProgress 在一个写事务里追加已上传的 key 并推进计数
// 重复的 key 不计数，返回本次新增的数量
func (d *DB) RecordProgress(jobID string, keys []UploadedKey) (int, error) {
	added := 0
	err := d.conn.Update(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}
		rec, err := readRecord(jb)
		if err != nil {
			return err
		}

		ub := jb.Bucket([]byte(uploadedBucket))
		for _, k := range keys {
			if ub.Get([]byte(k.Key)) != nil {
				continue
			}
			if err := ub.Put([]byte(k.Key), encodeSize(k.Size)); err != nil {
				return err
			}
			rec.Progress.FilesUploaded++
			rec.Progress.BytesUploaded += k.Size
			added++
		}

		rec.LastActivity = d.now()
		return writeRecord(jb, rec)
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// UploadedKeys 返回已上传 key 集合
func (d *DB) UploadedKeys(jobID string) (map[string]int64, error) {
	result := make(map[string]int64)
	err := d.conn.View(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}
		return jb.Bucket([]byte(uploadedBucket)).ForEach(func(k, v []byte) error {
			result[string(k)] = decodeSize(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Manifest 返回任务开始时的源文件清单
func (d *DB) Manifest(jobID string) ([]ManifestEntry, error) {
	var manifest []ManifestEntry
	err := d.conn.View(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}
		v := jb.Get([]byte(manifestKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &manifest)
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// ExtendManifest 把清单里没有的条目追加进去 (按相对路径去重)
func (d *DB) ExtendManifest(jobID string, entries []ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.conn.Update(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}

		var manifest []ManifestEntry
		if v := jb.Get([]byte(manifestKey)); v != nil {
			if err := json.Unmarshal(v, &manifest); err != nil {
				return err
			}
		}
		seen := make(map[string]struct{}, len(manifest))
		for _, e := range manifest {
			seen[e.RelativePath] = struct{}{}
		}
		for _, e := range entries {
			if _, ok := seen[e.RelativePath]; ok {
				continue
			}
			seen[e.RelativePath] = struct{}{}
			manifest = append(manifest, e)
		}

		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if err := jb.Put([]byte(manifestKey), data); err != nil {
			return err
		}

		rec, err := readRecord(jb)
		if err != nil {
			return err
		}
		rec.Progress.FilesTotal = int64(len(manifest))
		return writeRecord(jb, rec)
	})
}

// SetStatus 更新任务状态，msg 写入 LastError (空串清除)
func (d *DB) SetStatus(jobID string, status LedgerStatus, msg string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		jb, err := jobBucket(tx, jobID)
		if err != nil {
			return err
		}
		rec, err := readRecord(jb)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.LastError = msg
		rec.LastActivity = d.now()
		return writeRecord(jb, rec)
	})
}

// Discard 删除任务记录，不存在时不报错
func (d *DB) Discard(jobID string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(BucketName))
		if root.Bucket([]byte(jobID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(jobID))
	})
}

func jobBucket(tx *bbolt.Tx, jobID string) (*bbolt.Bucket, error) {
	jb := tx.Bucket([]byte(BucketName)).Bucket([]byte(jobID))
	if jb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return jb, nil
}

func readRecord(jb *bbolt.Bucket) (*PendingJob, error) {
	v := jb.Get([]byte(recordKey))
	if v == nil {
		return nil, errors.New("missing record")
	}
	var rec PendingJob
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(jb *bbolt.Bucket, rec *PendingJob) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return jb.Put([]byte(recordKey), data)
}

func readUploaded(jb *bbolt.Bucket) []string {
	var keys []string
	// bbolt 按字节序遍历，结果天然有序
	_ = jb.Bucket([]byte(uploadedBucket)).ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys
}

func encodeSize(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeSize(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
