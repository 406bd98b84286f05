package cmd

import (
	"bufio"
	"fmt"
	"os"

	"sieman/detect"
	"sieman/ingest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newReplayCmd builds the offline replay command: run a finished log file
// through a rules file and print every alert, without touching offsets,
// notification channels, or the metrics server.
func newReplayCmd() *cobra.Command {
	var (
		rulesPath string
		format    string
		verbose   bool
	)

	replayCmd := &cobra.Command{
		Use:   "replay <log-file>",
		Short: "Evaluate rules against a log file offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop().Sugar()
			if verbose {
				devLogger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = devLogger.Sugar()
			}

			rules, err := detect.LoadRules(rulesPath, logger)
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}
			engine := detect.NewEngine(rules, 0, logger)
			defer engine.Stop()

			normalizer := ingest.NewNormalizer(ingest.DefaultRegistry(), nil, logger)

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var lines, alerts int
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				lines++
				event, err := normalizer.Normalize(scanner.Text(), "replay", format)
				if err != nil || event == nil {
					continue
				}
				for _, alert := range engine.Evaluate(event) {
					alerts++
					warningColor.Printf("[%s] ", alert.FiredAt.Format("2006-01-02T15:04:05Z07:00"))
					errorColor.Printf("%s", alert.RuleName)
					fmt.Printf(" severity=%s group=%q events=%d\n",
						alert.Severity, alert.GroupKey, len(alert.Events))
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			skipped := normalizer.SkippedCount()
			headerColor.Printf("replay complete: ")
			fmt.Printf("%d line(s), %d skipped, ", lines, skipped)
			if alerts > 0 {
				warningColor.Printf("%d alert(s)\n", alerts)
			} else {
				successColor.Printf("no alerts\n")
			}
			return nil
		},
	}

	replayCmd.Flags().StringVar(&rulesPath, "rules", "rules.yaml", "Rules file path")
	replayCmd.Flags().StringVar(&format, "format", ingest.FormatGeneric, "Log format of the input file")
	replayCmd.Flags().BoolVar(&verbose, "verbose", false, "Log normalization and evaluation detail")

	return replayCmd
}
