package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var decayForce bool
var decayReason string

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply the once-per-UTC-day vitality decay pass",
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

		result, err := a.vit.ApplyVitalityDecay(decayForce, decayReason)
		if err != nil {
			return err
		}
		fmt.Printf("decay applied=%v reason=%q updated=%d\n", result.Applied, result.Reason, result.Updated)
		return nil
	},
}

func init() {
	decayCmd.Flags().BoolVar(&decayForce, "force", false, "run even if decay already applied today")
	decayCmd.Flags().StringVar(&decayReason, "reason", "cli", "reason recorded for this decay run")
}
