package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cheggaaa/pb/v3"
	tail "github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/job"
	"github.com/tccp/tccp/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Submit a job and follow its initialization log (spec.md §4.6.1)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		tj, err := c.jobs.Run(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("submitted %s (job id %s)\n", args[0], tj.JobID)

		ctx, cancel := notifyOnInterrupt()
		defer cancel()

		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			followCtx, stopFollow := context.WithCancel(ctx)
			defer stopFollow()
			go tailInitLog(followCtx, c.toolHome, tj.JobID)
		}
		return waitForInit(ctx, c, tj.JobID)
	},
}

func init() {
	runCmd.Flags().Bool("follow", true, "Tail the initialization log while waiting for the job to start")
}

// tailInitLog streams new lines appended to jobID's initialization log to
// stdout until ctx is canceled, polling for the file's creation the same
// way a log tailed before it exists would be followed. Errors are silent:
// the authoritative completion signal is waitForInit's own polling, not
// this best-effort log stream.
func tailInitLog(ctx context.Context, toolHome, jobID string) {
	t, err := tail.TailFile(job.InitLogPath(toolHome, jobID), tail.Config{
		Follow:    true,
		ReOpen:    false,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
	})
	if err != nil {
		return
	}
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			fmt.Println(line.Text)
		}
	}
}

// waitForInit polls the job record every two seconds until its init
// pipeline finishes, returning the init error if there is one and otherwise
// printing the node and scratch path. It prints nothing in between; the
// --follow log tail is what streams progress.
func waitForInit(ctx context.Context, c *cliContext, jobID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tj := c.jobs.GetJob(jobID)
			if tj == nil {
				return fmt.Errorf("job %s disappeared from state", jobID)
			}
			if !tj.InitComplete {
				continue
			}
			if tj.InitError != "" {
				return fmt.Errorf("initialization failed: %s", tj.InitError)
			}
			fmt.Printf("running on %s, scratch %s\n", tj.Node, tj.ScratchPath)
			return nil
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status [job]",
	Short: "One-shot poll, print tracked job and allocation state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := c.jobs.Poll(ctx, nil); err != nil {
			return err
		}

		snap := c.store.Snapshot()
		if len(args) == 1 {
			for _, tj := range snap.Jobs {
				if tj.Name == args[0] {
					printJob(tj)
				}
			}
			return nil
		}
		for _, tj := range snap.Jobs {
			printJob(tj)
		}
		for _, a := range snap.Allocations {
			fmt.Printf("allocation %s: node=%s active_job=%s remaining=%dm\n",
				a.AllocationID, a.Node, a.ActiveJobID, a.RemainingMinutes(time.Now()))
		}
		return nil
	},
}

func printJob(tj *types.TrackedJob) {
	state := "initializing"
	switch {
	case tj.Canceled:
		state = "canceled"
	case tj.Completed:
		state = fmt.Sprintf("completed (exit %d)", tj.ExitCode)
	case tj.InitError != "":
		state = fmt.Sprintf("init failed: %s", tj.InitError)
	case tj.InitComplete:
		state = "running"
	}
	fmt.Printf("%-12s %-20s %-10s node=%-12s alloc=%s\n", tj.JobID, tj.Name, state, tj.Node, tj.AllocationID)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a tracked job (spec.md §4.6.9)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := c.jobs.CancelJob(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("canceled %s\n", args[0])
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <job-id>",
	Short: "Open the interactive viewer connection (spec.md §4.6.3)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		gateway, _ := cmd.Flags().GetString("gateway")
		sess, attachCmdStr, err := c.jobs.OpenViewer(args[0], gateway)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := notifyOnInterrupt()
		defer cancel()

		stdin := &stringThenStdin{first: attachCmdStr + "\n", reader: bufio.NewReader(os.Stdin)}
		return sess.Attach(ctx, stdin, os.Stdout, nil)
	},
}

// stringThenStdin feeds a fixed prefix (the generated attach command) before
// falling through to the terminal's own stdin, so the first line typed into
// the shell channel is the command the viewer built, not the user's.
type stringThenStdin struct {
	first  string
	reader interface{ Read([]byte) (int, error) }
	sent   bool
}

func (s *stringThenStdin) Read(p []byte) (int, error) {
	if !s.sent {
		s.sent = true
		n := copy(p, s.first)
		return n, nil
	}
	return s.reader.Read(p)
}

var execCmd = &cobra.Command{
	Use:   "exec -- <cmd...>",
	Short: "Run an ad-hoc command on the gateway (spec.md §1)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		full := args[0]
		for _, a := range args[1:] {
			full += " " + a
		}
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()
		res, err := c.facade.DTN(ctx, full, 120*time.Second)
		if err != nil {
			return err
		}
		fmt.Print(res.Stdout)
		if res.ExitCode != 0 {
			os.Exit(res.ExitCode)
		}
		return nil
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <job-id> <port>",
	Short: "Manually (re)start a port tunnel for a running job (spec.md §4.6.6)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		tj := c.jobs.GetJob(args[0])
		if tj == nil {
			return fmt.Errorf("unknown job %s", args[0])
		}
		if tj.Node == "" {
			return fmt.Errorf("job %s has no assigned compute node yet", args[0])
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[1], err)
		}

		if err := c.jobs.StartTunnel(args[0], tj.Node, port); err != nil {
			return err
		}
		fmt.Printf("forwarding 127.0.0.1:%d -> %s:%d (ctrl-c to stop)\n", port, tj.Node, port)
		ctx, cancel := notifyOnInterrupt()
		defer cancel()
		<-ctx.Done()
		return nil
	},
}

var outputCmd = &cobra.Command{
	Use:   "output <job-id>",
	Short: "Manually trigger output retrieval (spec.md §4.6.10)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		var bar *pb.ProgressBar
		c.jobs.SetProgressCB(func(jobID string, downloaded, total int64) {
			if bar == nil && total > 0 {
				bar = pb.New64(total)
				bar.Start()
			}
			if bar != nil {
				bar.SetCurrent(downloaded)
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := c.jobs.ReturnOutput(ctx, args[0]); err != nil {
			return err
		}
		if bar != nil {
			bar.Finish()
		}
		fmt.Printf("output retrieved for %s\n", args[0])
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Block until a job reaches a terminal state (spec.md §4.6 WatchCompletion)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		ctx, cancel := notifyOnInterrupt()
		defer cancel()

		ev, ok := <-c.jobs.WatchCompletion(ctx, args[0])
		if !ok {
			return fmt.Errorf("stopped waiting for %s before it completed", args[0])
		}
		if ev.Canceled {
			fmt.Printf("%s canceled\n", args[0])
			return nil
		}
		fmt.Printf("%s completed (exit %d)\n", args[0], ev.ExitCode)
		if ev.ExitCode != 0 {
			os.Exit(ev.ExitCode)
		}
		return nil
	},
}

var gpuCmd = &cobra.Command{
	Use:   "gpu",
	Short: "GPU catalog diagnostics",
}

func init() {
	gpuCmd.AddCommand(gpuListCmd)
}

var gpuListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the built-in GPU variant catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, v := range alloc.DefaultGPUCatalog {
			fmt.Printf("%-14s base=%-8s prefix=%-10s mem=%3dGB tier=%d\n", v.ID, v.BaseType, v.NodePrefix, v.MemoryGB, v.Tier)
		}
		return nil
	},
}
