package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/vitality"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Inspect and run the two-phase vitality cleanup flow",
}

var (
	cleanupThreshold    float64
	cleanupInactiveDays int
	cleanupLimit        int
	cleanupDomain       string
	cleanupPathPrefix   string
)

var cleanupCandidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List low-vitality cleanup candidates",
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

		result, err := a.vit.GetVitalityCleanupCandidates(cleanupThreshold, cleanupInactiveDays, cleanupDomain, cleanupPathPrefix, cleanupLimit)
		if err != nil {
			return err
		}
		fmt.Printf("%d candidates (elapsed=%dms memory_index_hit=%v path_index_hit=%v)\n",
			len(result.Candidates), result.ElapsedMS, result.MemoryIndexHit, result.PathIndexHit)
		for _, c := range result.Candidates {
			fmt.Printf("  memory_id=%d uri=%s vitality=%.3f inactive_days=%.1f can_delete=%v\n",
				c.MemoryID, c.URI, c.VitalityScore, c.InactiveDays, c.CanDelete)
		}
		return nil
	},
}

var (
	cleanupReviewer   string
	cleanupTTLSeconds int
)

var cleanupPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Prepare a cleanup review over the current candidates, returning a confirmation token",
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

		candidates, err := a.vit.GetVitalityCleanupCandidates(cleanupThreshold, cleanupInactiveDays, cleanupDomain, cleanupPathPrefix, cleanupLimit)
		if err != nil {
			return err
		}
		selections := make([]vitality.CleanupSelection, len(candidates.Candidates))
		for i, c := range candidates.Candidates {
			selections[i] = vitality.CleanupSelection{
				MemoryID: c.MemoryID, StateHash: c.StateHash, URI: c.URI,
				VitalityScore: c.VitalityScore, InactiveDays: c.InactiveDays, CanDelete: c.CanDelete,
			}
		}

		var ttl time.Duration
		if cleanupTTLSeconds > 0 {
			ttl = time.Duration(cleanupTTLSeconds) * time.Second
		}
		result, err := a.vit.Prepare("delete", selections, cleanupReviewer, ttl)
		if err != nil {
			return err
		}
		fmt.Printf("review_id=%s token=%s confirmation_phrase=%q expires_at=%s\n",
			result.Review.ReviewID, result.Review.Token, result.Review.ConfirmationPhrase, result.Review.ExpiresAt)
		return nil
	},
}

var (
	cleanupReviewID           string
	cleanupToken              string
	cleanupConfirmationPhrase string
)

var cleanupConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Confirm a prepared cleanup review, permanently deleting its selections",
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

		outcome, err := a.vit.Confirm(cleanupReviewID, cleanupToken, cleanupConfirmationPhrase)
		if err != nil {
			return err
		}
		fmt.Printf("deleted=%d kept=%d skipped=%d errors=%d\n", len(outcome.Deleted), len(outcome.Kept), len(outcome.Skipped), len(outcome.Errors))
		return nil
	},
}

func init() {
	cleanupCandidatesCmd.Flags().Float64Var(&cleanupThreshold, "threshold", 0.3, "vitality threshold")
	cleanupCandidatesCmd.Flags().IntVar(&cleanupInactiveDays, "inactive-days", 30, "minimum inactivity in days")
	cleanupCandidatesCmd.Flags().IntVar(&cleanupLimit, "limit", 100, "maximum candidates to return")
	cleanupCandidatesCmd.Flags().StringVar(&cleanupDomain, "domain", "", "restrict to a domain")
	cleanupCandidatesCmd.Flags().StringVar(&cleanupPathPrefix, "path-prefix", "", "restrict to a path prefix")

	cleanupPrepareCmd.Flags().Float64Var(&cleanupThreshold, "threshold", 0.3, "vitality threshold")
	cleanupPrepareCmd.Flags().IntVar(&cleanupInactiveDays, "inactive-days", 30, "minimum inactivity in days")
	cleanupPrepareCmd.Flags().IntVar(&cleanupLimit, "limit", 100, "maximum candidates to select")
	cleanupPrepareCmd.Flags().StringVar(&cleanupDomain, "domain", "", "restrict to a domain")
	cleanupPrepareCmd.Flags().StringVar(&cleanupPathPrefix, "path-prefix", "", "restrict to a path prefix")
	cleanupPrepareCmd.Flags().StringVar(&cleanupReviewer, "reviewer", "cli", "reviewer identity recorded on the review")
	cleanupPrepareCmd.Flags().IntVar(&cleanupTTLSeconds, "ttl-seconds", 0, "review TTL override in seconds")

	cleanupConfirmCmd.Flags().StringVar(&cleanupReviewID, "review-id", "", "review id returned by prepare")
	cleanupConfirmCmd.Flags().StringVar(&cleanupToken, "token", "", "token returned by prepare")
	cleanupConfirmCmd.Flags().StringVar(&cleanupConfirmationPhrase, "confirmation-phrase", "", "confirmation phrase returned by prepare")
	_ = cleanupConfirmCmd.MarkFlagRequired("review-id")
	_ = cleanupConfirmCmd.MarkFlagRequired("token")
	_ = cleanupConfirmCmd.MarkFlagRequired("confirmation-phrase")

	cleanupCmd.AddCommand(cleanupCandidatesCmd, cleanupPrepareCmd, cleanupConfirmCmd)
}
