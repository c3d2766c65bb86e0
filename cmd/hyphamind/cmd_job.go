package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/indexworker"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run a one-shot background index job and wait for its outcome",
}

var (
	jobTask           string
	jobMemoryID       int64
	jobReason         string
	jobTimeoutSeconds int
)

var jobRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Enqueue a reindex_memory, rebuild_index, or sleep_consolidation job and wait",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.worker.Start()
		defer a.worker.Stop()

		taskType := indexworker.TaskType(jobTask)
		var memoryID *int64
		switch taskType {
		case indexworker.TaskReindexMemory:
			if jobMemoryID <= 0 {
				return fmt.Errorf("--memory-id is required for %s", jobTask)
			}
			memoryID = &jobMemoryID
		case indexworker.TaskRebuildIndex, indexworker.TaskSleepConsolidate:
		default:
			return fmt.Errorf("unknown task type %q", jobTask)
		}

		outcome := a.worker.Enqueue(taskType, memoryID, jobReason)
		if outcome.Dropped {
			return fmt.Errorf("enqueue dropped: %s", outcome.Reason)
		}

		rec, err := a.worker.WaitForJob(context.Background(), outcome.JobID, time.Duration(jobTimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("job_id=%d task=%s status=%s result=%q error=%q\n",
			rec.ID, rec.TaskType, rec.Status, rec.Result, rec.Error)
		return nil
	},
}

func init() {
	jobRunCmd.Flags().StringVar(&jobTask, "task", "sleep_consolidation", "task type: reindex_memory, rebuild_index, or sleep_consolidation")
	jobRunCmd.Flags().Int64Var(&jobMemoryID, "memory-id", 0, "memory id (reindex_memory only)")
	jobRunCmd.Flags().StringVar(&jobReason, "reason", "cli", "reason recorded on the job")
	jobRunCmd.Flags().IntVar(&jobTimeoutSeconds, "timeout-seconds", 300, "how long to wait for the job to finish")

	jobCmd.AddCommand(jobRunCmd)
}
