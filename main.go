package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"cloudbackup/internal/backup"
	"cloudbackup/internal/config"
	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
	"cloudbackup/internal/fs/memory"
	"cloudbackup/internal/fs/s3compat"
	"cloudbackup/internal/tree"
	"cloudbackup/pkg/logger"
)

const version = "1.0.0"

func main() {
	app := &cli.Command{
		Name:    "cloudbackup",
		Usage:   "Back up local folders to S3-compatible object storage",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config/config.yaml",
			},
		},
		Commands: []*cli.Command{
			uploadCommand(),
			resumeCommand(),
			pendingCommand(),
			cancelCommand(),
			treeCommand(),
			urlCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session 一次命令执行期间的全部组件
type session struct {
	cfg       *config.Config
	db        *database.DB
	store     fs.ObjectStore
	bus       *events.Bus
	cache     *tree.Cache
	svc       *backup.Service
	logCloser io.Closer
}

// setup 按顺序初始化：配置 -> 日志 -> 账本 -> 存储 -> 事件总线 -> 目录缓存 -> 服务
func setup(ctx context.Context, cmd *cli.Command, dryRun bool) (*session, error) {
	// 1. 加载配置
	path := cmd.String("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.IsSet("config") {
			return nil, err
		}
		cfg = config.Default()
	}

	// 2. 初始化日志系统
	closer, err := logger.Setup(logger.Options{
		Level:  cfg.System.LogLevel,
		File:   cfg.System.LogFile,
		Format: cfg.System.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("日志初始化失败: %w", err)
	}
	s := &session{cfg: cfg, logCloser: closer}

	slog.Debug("cloudbackup 启动",
		"version", version,
		"config", path,
		"bucket", cfg.Store.Bucket,
		"dry_run", dryRun,
	)

	// 3. 打开任务账本
	s.db, err = database.Open(cfg.System.DBPath)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	// 4. 远端存储
	if dryRun {
		s.store = memory.New()
		slog.Info("演练模式: 文件只写入内存，不会上传")
	} else {
		s3store, err := s3compat.New(ctx, &s3compat.Options{
			Endpoint:      cfg.Store.Endpoint,
			Region:        cfg.Store.Region,
			Bucket:        cfg.Store.Bucket,
			AccessKey:     cfg.Store.AccessKey,
			SecretKey:     cfg.Store.SecretKey,
			PathStyle:     cfg.Store.PathStyleEnabled(),
			PresignExpiry: cfg.Store.PresignExpiryDuration,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("初始化对象存储失败: %w", err)
		}
		s.store = s3store
	}

	// 5. 事件总线和目录缓存
	s.bus = events.NewBus()
	s.cache = tree.New(tree.Options{
		Store:    s.store,
		Bus:      s.bus,
		PageSize: cfg.Cache.PageSize,
		ScanRate: cfg.Cache.ScanRate,
		TTL:      cfg.Cache.TTLDuration,
	})

	// 6. 上传服务
	s.svc = backup.NewService(&backup.EngineOptions{
		Store:           s.store,
		Ledger:          s.db,
		Bus:             s.bus,
		Registry:        backup.NewRegistry(cfg.Upload.GracePeriodDuration),
		Exclude:         cfg.Upload.Exclude,
		BatchSize:       cfg.Upload.BatchSize,
		Concurrency:     cfg.Upload.Concurrency,
		RetryMax:        cfg.Upload.RetryMax,
		RetryBase:       cfg.Upload.RetryBaseDuration,
		RetryCap:        cfg.Upload.RetryCapDuration,
		TransferTimeout: cfg.Upload.TransferTimeoutDuration,
	}, s.cache)

	return s, nil
}

// ensureBucket 上传前按配置检查 bucket
func (s *session) ensureBucket(ctx context.Context) error {
	if !s.cfg.Store.EnsureBucketEnabled() {
		return nil
	}
	be, ok := s.store.(fs.BucketEnsurer)
	if !ok {
		return nil
	}
	created, err := be.EnsureBucket(ctx)
	if err != nil {
		return fmt.Errorf("检查 bucket 失败: %w", err)
	}
	if created {
		slog.Info("已创建 bucket", "bucket", s.cfg.Store.Bucket)
	}
	return nil
}

func (s *session) close() {
	if s.svc != nil {
		if err := s.svc.Close(context.Background()); err != nil {
			slog.Warn("关闭上传服务出错", "err", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("关闭数据库出错", "err", err)
		}
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}
