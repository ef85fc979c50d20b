package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/dispatcher"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/server"
)

// openQueue is swapped in tests for a shared in-memory queue.
var openQueue = func(cfg config.Config, logger *zap.Logger) (server.Queue, error) {
	q, _, err := server.OpenQueue(cfg, system.New(), logger)
	return q, err
}

func newEnqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue [url...]",
		Short: "Submits URLs as extraction tasks",
		Long: `Validates each URL and pushes one task per URL onto the configured queue.
URLs come from the arguments and, with --file, one per line from a file
("-" reads stdin). Blank lines and lines starting with # are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if file != "" {
				more, err := readURLs(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				urls = append(urls, more...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no urls given")
			}
			return enqueue(cmd.Context(), cmd.OutOrStdout(), urls)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read URLs from a file, one per line (- for stdin)")
	return cmd
}

func enqueue(ctx context.Context, out io.Writer, urls []string) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	for _, raw := range urls {
		if _, err := extract.DomainOf(raw); err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
	}
	if e.cfg.Queue.Backend == "memory" {
		e.logger.Warn("memory queue is process-local; tasks enqueued here are lost on exit")
	}

	q, err := openQueue(e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	d := dispatcher.New(q, uuid.NewUUIDGenerator(), system.New(), nil, nil, e.logger.Named("enqueue")).
		DedupeWith(server.SeenSetFor(e.cfg, q))
	var enqueued, duplicates int
	for _, raw := range urls {
		task, err := d.Submit(ctx, raw)
		if errors.Is(err, extract.ErrDuplicate) {
			fmt.Fprintf(out, "duplicate\t%s\n", raw)
			duplicates++
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", task.ID, task.TargetURL)
		enqueued++
	}
	e.logger.Info("tasks enqueued", zap.Int("count", enqueued), zap.Int("duplicates", duplicates))
	return nil
}

func readURLs(stdin io.Reader, file string) ([]string, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
