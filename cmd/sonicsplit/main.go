// Command sonicsplit uploads audio to the API and follows its separation
// jobs live.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/pflag"

	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/realtime"
	"github.com/sonicsplit/api/pkg/logger"
)

const usage = `Usage: sonicsplit [flags] <command>

Commands:
  upload <file>   upload an audio file and follow the job until it finishes
  watch           print the job list every time it changes

Flags:
`

func main() {
	flags := pflag.NewFlagSet("sonicsplit", pflag.ExitOnError)
	apiURL := flags.String("api", envOr("SONICSPLIT_API", "http://localhost:8080"), "API base URL")
	token := flags.String("token", os.Getenv("SONICSPLIT_TOKEN"), "bearer token; signs in anonymously when empty")
	logLevel := flags.String("log-level", "warn", "log level")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	log := logger.New(logger.Config{Level: *logLevel, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPIClient(*apiURL, log)
	if *token != "" {
		api.SetToken(*token)
	}
	ctrl := realtime.NewController(api, api, api, realtime.Config{}, log)
	defer ctrl.Close()

	var err error
	switch args := flags.Args(); {
	case len(args) == 2 && args[0] == "upload":
		err = runUpload(ctx, ctrl, args[1], os.Stdout)
	case len(args) == 1 && args[0] == "watch":
		err = runWatch(ctx, ctrl, os.Stdout)
	default:
		flags.Usage()
		os.Exit(2)
	}

	if signOutErr := ctrl.SignOut(context.WithoutCancel(ctx)); signOutErr != nil {
		log.Debug("sign out failed", logger.Err(signOutErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "sonicsplit: %v\n", err)
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, ctrl *realtime.Controller, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := ctrl.SignIn(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	watcher := ctrl.Watch()
	defer watcher.Close()

	job, err := ctrl.UploadAndCreateJob(ctx, &model.Upload{
		FileName:    filepath.Base(path),
		ContentType: mtype.String(),
		Size:        info.Size(),
		Body:        f,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s created\n", job.ID)

	last := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-watcher.C():
			if !ok {
				return errors.New("session closed")
			}
			if view.State == realtime.StateSyncLost {
				fmt.Fprintf(out, "sync lost, retrying: %v\n", view.LastError)
				continue
			}
			current := findJob(view.Jobs, job.ID)
			if current == nil {
				continue
			}
			if current.Progress != last {
				last = current.Progress
				fmt.Fprintf(out, "%s %3d%%\n", current.Status, current.Progress)
			}
			if current.IsTerminal() {
				return printResult(out, current)
			}
		}
	}
}

func runWatch(ctx context.Context, ctrl *realtime.Controller, out io.Writer) error {
	if err := ctrl.SignIn(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	watcher := ctrl.Watch()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-watcher.C():
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "-- %s (%d jobs)\n", view.State, len(view.Jobs))
			for _, job := range view.Jobs {
				fmt.Fprintf(out, "%s  %-10s %3d%%  %s\n", job.ID, job.Status, job.Progress, job.FileName)
			}
		}
	}
}

func printResult(out io.Writer, job *model.Job) error {
	switch job.Status {
	case model.JobStatusCompleted:
		for _, stem := range []string{"vocals", "drums", "bass"} {
			fmt.Fprintf(out, "%-7s %s\n", stem, job.Stems[stem])
		}
		fmt.Fprintf(out, "score   %s\n", job.ScoreURL)
		return nil
	case model.JobStatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	default:
		return fmt.Errorf("job %s %s", job.ID, job.Status)
	}
}

func findJob(jobs []model.Job, id string) *model.Job {
	for i := range jobs {
		if jobs[i].ID == id {
			return &jobs[i]
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
