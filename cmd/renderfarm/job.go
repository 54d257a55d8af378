package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage render jobs on a running farm",
}

var jobAddCmd = &cobra.Command{
	Use:   "add [JOB_FILE]",
	Short: "Submit a job",
	Long: `Submit a job to the farm. The job becomes current when the farm is idle,
otherwise it is queued.

Examples:
  # Submit a job file
  renderfarm job add teapot-job.yaml

  # Submit a scene directly, stopping at 256 samples per pixel
  renderfarm job add --descriptor teapot.yaml --halt-spp 256`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished, current and queued jobs",
	RunE:  runJobList,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current job and its sessions",
	RunE:  runJobStatus,
}

var jobStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current job after a final merge",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().StopCurrentJob(context.Background()); err != nil {
			return err
		}
		fmt.Println("✓ Current job stopping")
		return nil
	},
}

var jobMergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the current job's films now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().MergeCurrentJob(context.Background()); err != nil {
			return err
		}
		fmt.Println("✓ Merge requested")
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobAddCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobStopCmd)
	jobCmd.AddCommand(jobMergeCmd)

	jobAddCmd.Flags().String("descriptor", "", "scene descriptor, overrides the job file")
	jobAddCmd.Flags().String("workdir", "", "working directory (default <descriptor>-render)")
	jobAddCmd.Flags().String("name", "", "job name")
	jobAddCmd.Flags().Float64("halt-spp", 0, "stop at this many samples per pixel (0 disables)")
	jobAddCmd.Flags().Duration("halt-time", 0, "stop after rendering this long (0 disables)")
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	var cfg job.Config
	if len(args) == 1 {
		loaded, err := job.LoadConfigFile(args[0])
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("descriptor") {
		cfg.DescriptorPath, _ = flags.GetString("descriptor")
	}
	if flags.Changed("workdir") {
		cfg.WorkDir, _ = flags.GetString("workdir")
	}
	if flags.Changed("name") {
		cfg.Name, _ = flags.GetString("name")
	}
	if flags.Changed("halt-spp") {
		cfg.HaltSPP, _ = flags.GetFloat64("halt-spp")
	}
	if flags.Changed("halt-time") {
		cfg.HaltTime, _ = flags.GetDuration("halt-time")
	}

	if cfg.DescriptorPath == "" {
		return fmt.Errorf("a job file or --descriptor is required")
	}

	// The farm resolves paths on its own filesystem
	var err error
	if cfg.DescriptorPath, err = filepath.Abs(cfg.DescriptorPath); err != nil {
		return err
	}
	if cfg.WorkDir != "" {
		if cfg.WorkDir, err = filepath.Abs(cfg.WorkDir); err != nil {
			return err
		}
	}

	rec, err := newClient().AddJob(context.Background(), cfg)
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(rec)
	}

	fmt.Printf("✓ Job %s submitted (%s)\n", rec.ID, rec.State)
	if rec.Resumed {
		fmt.Printf("  Resuming from %s\n", rec.WorkDir)
	}
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	jobs, err := newClient().ListJobs(context.Background())
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "State", "SPP", "Halt", "Sessions", "Started")
	for _, j := range jobs {
		table.Append(
			shortID(j.ID),
			j.Name,
			string(j.State),
			fmt.Sprintf("%.1f", j.SPP),
			haltString(j),
			fmt.Sprintf("%d", j.Sessions),
			formatTime(j.StartedAt),
		)
	}
	table.Render()
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	cur, err := newClient().CurrentJob(context.Background())
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(cur)
	}
	if cur == nil {
		fmt.Println("Farm is idle")
		return nil
	}

	j := cur.Job
	fmt.Printf("Job:      %s (%s)\n", j.ID, j.Name)
	fmt.Printf("State:    %s\n", j.State)
	fmt.Printf("SPP:      %.1f\n", j.SPP)
	fmt.Printf("Halt:     %s\n", haltString(j))
	fmt.Printf("Workdir:  %s\n", j.WorkDir)
	if !j.StartedAt.IsZero() {
		fmt.Printf("Elapsed:  %s\n", time.Since(j.StartedAt).Round(time.Second))
	}
	fmt.Println()

	if len(cur.Sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Session", "Node", "Seed", "State", "Films", "Progress")
	for _, s := range cur.Sessions {
		table.Append(
			s.ID,
			s.Node,
			fmt.Sprintf("%d", s.Seed),
			string(s.State),
			fmt.Sprintf("%d", s.FilmPulls),
			s.LastStats,
		)
	}
	table.Render()
	return nil
}

func haltString(j types.JobRecord) string {
	switch {
	case j.HaltSPP > 0 && j.HaltTime > 0:
		return fmt.Sprintf("%.0f spp or %s", j.HaltSPP, j.HaltTime)
	case j.HaltSPP > 0:
		return fmt.Sprintf("%.0f spp", j.HaltSPP)
	case j.HaltTime > 0:
		return j.HaltTime.String()
	default:
		return "none"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
