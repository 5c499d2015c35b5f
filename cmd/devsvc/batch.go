package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devsvc"
	"github.com/loykin/devsvc/internal/batch"
	"github.com/loykin/devsvc/pkg/client"
)

func createBatchCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run and control command batches",
		Long: `Run a shell command once per item with bounded concurrency. The command sees
BATCH_ITEM, BATCH_ITEM_INDEX and BATCH_ID. Exit status 3 marks an item skipped,
any other non-zero status fails it.`,
	}
	cmd.AddCommand(
		createBatchExecCommand(c),
		createBatchStatusCommand(c),
		createBatchListCommand(c),
		createBatchItemsCommand(c),
		createBatchControlCommand(c, "cancel", "Cancel a batch; in-flight items finish"),
		createBatchControlCommand(c, "pause", "Pause a running batch"),
		createBatchControlCommand(c, "resume", "Resume a paused batch"),
	)
	return cmd
}

func createBatchExecCommand(c *command) *cobra.Command {
	f := &BatchExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a command for every item",
		Long: `Run a command for every item. Locally the batch runs in this process and
Ctrl-C cancels it; with --api-url it runs in the daemon.

Examples:
  devsvc batch exec --command 'pandoc "$BATCH_ITEM" -o "$BATCH_ITEM.html"' --items a.md,b.md
  devsvc batch exec --command ./upload.sh --items-file files.txt --concurrency 5 --retries 2
  devsvc batch exec --api-url http://127.0.0.1:8080/api --command ./sync.sh --items x --detach`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BatchExec(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "batch id (random when empty)")
	cmd.Flags().StringVar(&f.Name, "name", "command batch", "batch name")
	cmd.Flags().StringVar(&f.Command, "command", "", "command run per item (required)")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory of the command")
	cmd.Flags().StringSliceVar(&f.Items, "items", nil, "comma separated items")
	cmd.Flags().StringVar(&f.ItemsFile, "items-file", "", "file with one item per line ('-' for stdin)")
	cmd.Flags().IntVar(&f.Concurrency, "concurrency", 0, "items in flight (default from config)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "per item timeout (0 = none)")
	cmd.Flags().IntVar(&f.Retries, "retries", 0, "extra attempts for failed items")
	cmd.Flags().DurationVar(&f.RetryDelay, "retry-delay", 0, "pause between attempts")
	cmd.Flags().IntSliceVar(&f.PermanentCodes, "permanent-codes", nil, "exit statuses that are never retried")
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "with --api-url, return after submitting")
	if err := cmd.MarkFlagRequired("command"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

func createBatchStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BatchStatus(cmd.Context(), args[0])
		},
	}
}

func createBatchListCommand(c *command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BatchList(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of batches")
	return cmd
}

func createBatchItemsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "items <id>",
		Short: "List the items of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BatchItems(cmd.Context(), args[0])
		},
	}
}

func createBatchControlCommand(c *command, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Long: short + `.
Batches run inside the daemon, so this always talks to the API: --api-url,
or the address from [server] in the config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BatchControl(cmd.Context(), action, args[0])
		},
	}
}

// readItems merges --items and --items-file, keeping order.
func readItems(f BatchExecFlags) ([]string, error) {
	items := splitList(f.Items)
	if f.ItemsFile == "" {
		return items, nil
	}
	var in *os.File
	if f.ItemsFile == "-" {
		in = os.Stdin
	} else {
		// #nosec G304 -- path given on the command line
		fh, err := os.Open(f.ItemsFile)
		if err != nil {
			return nil, err
		}
		defer func() { _ = fh.Close() }()
		in = fh
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" && !strings.HasPrefix(s, "#") {
			items = append(items, s)
		}
	}
	return items, sc.Err()
}

func (c *command) BatchExec(ctx context.Context, f BatchExecFlags) error {
	items, err := readItems(f)
	if err != nil {
		return fmt.Errorf("read items: %w", err)
	}
	if len(items) == 0 {
		return errors.New("no items: use --items or --items-file")
	}
	if c.remote() {
		return c.batchExecViaAPI(ctx, f, items)
	}

	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	cfg := d.Config()

	ctx, stop := signalContext(ctx)
	defer stop()

	rec, err := d.CreateBatch(ctx, devsvc.BatchSpec{
		ID: f.ID, Name: f.Name, BatchType: "command", TotalCount: len(items),
		Metadata: map[string]any{"command": f.Command},
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.errOut, "batch %s: %d item(s)\n", rec.ID, len(items))

	opts := devsvc.BatchOptions{
		Concurrency: f.Concurrency,
		Timeout:     f.Timeout,
		Retries:     f.Retries,
		RetryDelay:  f.RetryDelay,
		BatchType:   "command",
		OnProgress:  c.printProgress,
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = cfg.Batch.Concurrency
	}
	if opts.Timeout == 0 {
		opts.Timeout = cfg.Batch.Timeout
	}
	proc := batch.CommandProcessor(batch.CommandConfig{
		BatchID:        rec.ID,
		Command:        f.Command,
		WorkDir:        f.WorkDir,
		MaxOutput:      cfg.Batch.MaxOutput,
		PermanentCodes: f.PermanentCodes,
	})
	res, runErr := devsvc.Process(ctx, d, rec.ID, items, proc, opts)
	if res == nil {
		return runErr
	}

	if c.flags.JSON {
		printJSON(c.out, res)
	} else {
		for _, i := range res.Failed() {
			_, _ = fmt.Fprintf(c.out, "FAILED %s: %v\n", items[i], res.Errors[i])
		}
		p := res.Progress
		_, _ = fmt.Fprintf(c.out, "batch %s %s: completed=%d failed=%d skipped=%d total=%d\n",
			rec.ID, res.Status, p.Completed, p.Failed, p.Skipped, p.Total)
	}
	if runErr != nil {
		return runErr
	}
	if res.Status == batch.StatusFailed {
		return fmt.Errorf("batch %s failed", rec.ID)
	}
	return nil
}

func (c *command) batchExecViaAPI(ctx context.Context, f BatchExecFlags, items []string) error {
	cl, err := c.api(ctx)
	if err != nil {
		return err
	}
	req := client.BatchRequest{
		ID: f.ID, Name: f.Name, Command: f.Command, WorkDir: f.WorkDir, Items: items,
		Concurrency: f.Concurrency, Retries: f.Retries, PermanentCodes: f.PermanentCodes,
	}
	if f.Timeout > 0 {
		req.Timeout = f.Timeout.String()
	}
	if f.RetryDelay > 0 {
		req.RetryDelay = f.RetryDelay.String()
	}
	sub, err := cl.SubmitBatch(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.errOut, "batch %s submitted: %d item(s)\n", sub.Batch.ID, len(items))
	if f.Detach {
		_, _ = fmt.Fprintln(c.out, sub.Batch.ID)
		return nil
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	last := -1
	st, err := cl.WaitBatch(ctx, sub.Batch.ID, 500*time.Millisecond, func(s client.BatchStatus) {
		if s.Progress.Current != last {
			last = s.Progress.Current
			c.printProgress(devsvc.Progress{
				Current: s.Progress.Current, Total: s.Progress.Total, Percentage: s.Progress.Percentage,
				Completed: s.Progress.Completed, Failed: s.Progress.Failed, Skipped: s.Progress.Skipped,
			})
		}
	})
	if errors.Is(err, context.Canceled) {
		// the daemon keeps running the batch unless told otherwise
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := cl.CancelBatch(cctx, sub.Batch.ID); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	if err != nil {
		return err
	}
	c.printBatch(st)
	if st.Batch.Status == "failed" {
		return fmt.Errorf("batch %s failed", st.Batch.ID)
	}
	return nil
}

func (c *command) printBatch(st client.BatchStatus) {
	if c.flags.JSON {
		printJSON(c.out, st)
		return
	}
	p := st.Progress
	_, _ = fmt.Fprintf(c.out, "batch %s %s (%s): %d%% completed=%d failed=%d skipped=%d total=%d\n",
		st.Batch.ID, st.Batch.Status, st.Batch.Name, p.Percentage, p.Completed, p.Failed, p.Skipped, p.Total)
}

func (c *command) BatchStatus(ctx context.Context, id string) error {
	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		st, err := cl.Batch(ctx, id)
		if err != nil {
			return err
		}
		c.printBatch(st)
		return nil
	}
	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	rec, err := d.Engine().Batch(ctx, id)
	if err != nil {
		return err
	}
	p, err := d.Engine().Progress(ctx, id)
	if err != nil {
		return err
	}
	c.printBatch(client.BatchStatus{
		Batch: client.Batch{ID: rec.ID, Name: rec.Name, Status: string(rec.Status), TotalCount: rec.TotalCount},
		Progress: client.Progress{
			BatchID: p.BatchID, Current: p.Current, Total: p.Total, Percentage: p.Percentage,
			Completed: p.Completed, Failed: p.Failed, Skipped: p.Skipped, Status: string(p.Status),
		},
	})
	return nil
}

func (c *command) BatchList(ctx context.Context, limit int) error {
	type line struct {
		ID, Name, Status string
		Total, Done      int
		Created          time.Time
	}
	var lines []line
	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		bs, err := cl.Batches(ctx, limit)
		if err != nil {
			return err
		}
		for _, b := range bs {
			lines = append(lines, line{b.ID, b.Name, b.Status, b.TotalCount, b.CompletedCount + b.FailedCount + b.SkippedCount, b.CreatedAt})
		}
	} else {
		d, err := c.open()
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		bs, err := d.Engine().Store().ListBatches(ctx, limit)
		if err != nil {
			return err
		}
		for _, b := range bs {
			lines = append(lines, line{b.ID, b.Name, string(b.Status), b.TotalCount, b.CompletedCount + b.FailedCount + b.SkippedCount, b.CreatedAt})
		}
	}
	if c.flags.JSON {
		printJSON(c.out, lines)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "%-36s %-10s %9s  %-19s %s\n", "ID", "STATUS", "DONE", "CREATED", "NAME")
	for _, l := range lines {
		_, _ = fmt.Fprintf(c.out, "%-36s %-10s %4d/%-4d  %-19s %s\n", l.ID, l.Status, l.Done, l.Total,
			l.Created.Local().Format("2006-01-02 15:04:05"), l.Name)
	}
	return nil
}

func (c *command) BatchItems(ctx context.Context, id string) error {
	var items []client.Item
	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		if items, err = cl.BatchItems(ctx, id); err != nil {
			return err
		}
	} else {
		d, err := c.open()
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		if _, err := d.Engine().Batch(ctx, id); err != nil {
			return err
		}
		recs, err := d.Engine().Items(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range recs {
			items = append(items, client.Item{BatchID: r.BatchID, Order: r.Order, ItemRef: r.ItemRef,
				Status: string(r.Status), Attempts: r.Attempts, ErrorMessage: r.ErrorMessage})
		}
	}
	if c.flags.JSON {
		printJSON(c.out, items)
		return nil
	}
	for _, it := range items {
		_, _ = fmt.Fprintf(c.out, "%4d %-10s %2d %s %s\n", it.Order, it.Status, it.Attempts, it.ItemRef, it.ErrorMessage)
	}
	return nil
}

func (c *command) BatchControl(ctx context.Context, action, id string) error {
	base, err := c.daemonURL()
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx, base)
	if err != nil {
		return err
	}
	switch action {
	case "cancel":
		err = cl.CancelBatch(ctx, id)
	case "pause":
		err = cl.PauseBatch(ctx, id)
	case "resume":
		err = cl.ResumeBatch(ctx, id)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "batch %s: %s requested\n", id, action)
	return nil
}
