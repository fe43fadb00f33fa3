package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"cloudbackup/internal/backup"
	"cloudbackup/internal/events"
	"cloudbackup/internal/tree"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a local directory",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prefix", Usage: "Remote key prefix (default backups/<host>/<dir name>)"},
			&cli.StringFlag{Name: "label", Usage: "Display name of the job"},
			&cli.BoolFlag{Name: "undo-on-interrupt", Usage: "Delete uploaded files when interrupted with Ctrl+C"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Upload into memory instead of the bucket"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("missing directory argument")
			}

			s, err := setup(ctx, cmd, cmd.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.ensureBucket(ctx); err != nil {
				return err
			}

			ch, unsub := s.svc.Subscribe(256)
			defer unsub()

			id, err := s.svc.StartUpload(ctx, backup.UploadRequest{
				SourcePath:   dir,
				TargetPrefix: cmd.String("prefix"),
				Label:        cmd.String("label"),
			})
			if err != nil {
				return err
			}
			job, _ := s.svc.Job(id)
			fmt.Printf("job %s: %d files -> %s\n", id, job.FilesTotal, job.TargetPrefix)

			mode := backup.CancelSoft
			if cmd.Bool("undo-on-interrupt") {
				mode = backup.CancelHard
			}
			return follow(ctx, s.svc, ch, id, mode)
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume an interrupted or failed job",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "undo-on-interrupt", Usage: "Delete uploaded files when interrupted with Ctrl+C"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("missing job id")
			}

			s, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			ch, unsub := s.svc.Subscribe(256)
			defer unsub()

			res, err := s.svc.ResumeJob(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("job %s: %d already uploaded, %d remaining\n", id, res.AlreadyUploaded, res.Remaining)

			mode := backup.CancelSoft
			if cmd.Bool("undo-on-interrupt") {
				mode = backup.CancelHard
			}
			return follow(ctx, s.svc, ch, id, mode)
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List jobs that can be resumed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			jobs, err := s.svc.ListPendingJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no pending jobs")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-11s  %d/%d files  %s  %s\n",
					j.JobID,
					j.Status,
					j.Progress.FilesUploaded,
					j.Progress.FilesTotal,
					j.LastActivity.Format(time.DateTime),
					j.Label,
				)
				if j.LastError != "" {
					fmt.Printf("    %s\n", j.LastError)
				}
			}
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Discard a pending job",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "undo", Usage: "Also delete the files the job uploaded"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("missing job id")
			}

			s, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			mode := backup.CancelSoft
			if cmd.Bool("undo") {
				mode = backup.CancelHard
			}
			if err := s.svc.CancelJob(ctx, id, mode); err != nil {
				return err
			}
			fmt.Printf("job %s canceled (%s)\n", id, mode)
			return nil
		},
	}
}

func treeCommand() *cli.Command {
	return &cli.Command{
		Name:      "tree",
		Usage:     "List a remote folder",
		ArgsUsage: "[prefix]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "scan", Usage: "Run a full scan first to show folder counts"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			if cmd.Bool("scan") {
				if err := s.cache.Scan(ctx); err != nil && !errors.Is(err, tree.ErrScanRunning) {
					return err
				}
			}

			tr, err := s.svc.GetTree(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			printTree(tr)
			return nil
		},
	}
}

func urlCommand() *cli.Command {
	return &cli.Command{
		Name:      "url",
		Usage:     "Print a temporary download URL",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.Args().First()
			if key == "" {
				return fmt.Errorf("missing key")
			}

			s, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			url, err := s.svc.SignedURL(ctx, key)
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}

// follow 打印任务事件直到终态；收到 SIGINT/SIGTERM 时按 mode 取消任务
func follow(ctx context.Context, svc *backup.Service, ch <-chan events.Event, id string, mode backup.CancelMode) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	interrupt := sigCtx.Done()

	for {
		select {
		case <-interrupt:
			interrupt = nil
			fmt.Printf("\ninterrupted, canceling job (%s)...\n", mode)
			go func() {
				if err := svc.CancelJob(context.Background(), id, mode); err != nil {
					slog.Error("取消任务失败", "job", id, "err", err)
				}
			}()

		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if events.JobOf(ev) != id {
				continue
			}
			switch e := ev.(type) {
			case events.Progress:
				fmt.Printf("  %d/%d files  %s  %s\n",
					e.FilesUploaded, e.FilesTotal, humanBytes(e.BytesUploaded), e.CurrentFile)
			case events.Complete:
				fmt.Printf("done: %d files, %s in %s\n",
					e.Stats.FilesUploaded, humanBytes(e.Stats.BytesUploaded), e.Stats.Duration.Round(time.Millisecond))
				return nil
			case events.Error:
				fmt.Printf("failed: %d/%d files uploaded\n", e.Stats.FilesUploaded, e.Stats.FilesTotal)
				fmt.Printf("resume with: cloudbackup resume %s\n", id)
				return errors.New(e.Message)
			case events.Canceled:
				if e.Undo {
					fmt.Println("canceled, uploaded files removed")
				} else {
					fmt.Printf("canceled after %d files, resume with: cloudbackup resume %s\n", e.Stats.FilesUploaded, id)
				}
				return nil
			}
		}
	}
}

func printTree(tr *tree.Tree) {
	prefix := tr.Prefix
	if prefix == "" {
		prefix = "/"
	}
	fmt.Println(prefix)
	for _, f := range tr.Folders {
		fmt.Printf("  %-40s  %s\n", f.Name+"/", folderCounts(f))
	}
	for _, f := range tr.Files {
		fmt.Printf("  %-40s  %10s  %s\n", f.Name, humanBytes(f.Size), f.LastModified.Format(time.DateTime))
	}

	st := tr.Status
	switch {
	case st.IsLoading:
		fmt.Printf("(scan running, %d files so far)\n", st.TotalFiles)
	case st.IsReady:
		fmt.Printf("(%d files in bucket, scanned %s ago)\n", st.TotalFiles, st.Age.Round(time.Second))
	}
}

func folderCounts(f tree.Folder) string {
	if f.TotalCount == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d files", *f.TotalCount)
	if f.FolderCount != nil && *f.FolderCount > 0 {
		fmt.Fprintf(&sb, ", %d folders", *f.FolderCount)
	}
	if f.IsLoading {
		sb.WriteString("+")
	}
	return sb.String()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
