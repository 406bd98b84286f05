package cmd

import (
	"errors"
	"fmt"

	"sieman/core"
	"sieman/detect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate detection rules",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-file>",
		Short: "Compile a rules file and report the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := detect.LoadRules(args[0], zap.NewNop().Sugar())
			if err != nil {
				var rce *detect.RuleCompilationError
				if errors.As(err, &rce) {
					errorColor.Printf("✗ rule %q: %v\n", rce.RuleName, rce.Err)
					return fmt.Errorf("validation failed")
				}
				return err
			}

			headerColor.Printf("%s\n", args[0])
			for _, r := range rules {
				infoColor.Printf("  %-30s", r.Name)
				fmt.Printf("%-12s window=%s", r.Kind, r.Window)
				if r.Kind == core.RuleKindThreshold {
					fmt.Printf(" count=%d", r.Count)
				} else {
					fmt.Printf(" patterns=%d", len(r.Sequence))
				}
				fmt.Println()
			}
			successColor.Printf("✓ %d rule(s) valid\n", len(rules))
			return nil
		},
	}
}
