package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/core/store"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect persisted conversation transcripts",
}

var (
	transcriptListQuery  store.TranscriptQuery
	transcriptListOutput outputFlags
)

var transcriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transcripts oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		transcripts, err := db.ListTranscripts(ctx, transcriptListQuery)
		if err != nil {
			return err
		}

		return transcriptListOutput.write("transcript.list", transcriptList{Transcripts: transcripts})
	},
}

func init() {
	transcriptListCmd.Flags().StringVar(&transcriptListQuery.SessionID, "session", "", "Only show one session")
	transcriptListCmd.Flags().StringVar(&transcriptListQuery.TurnID, "turn", "", "Only show one turn")
	transcriptListCmd.Flags().IntVar(&transcriptListQuery.Limit, "limit", 50, "Maximum transcripts to show")
	transcriptListOutput.register(transcriptListCmd)

	transcriptCmd.AddCommand(transcriptListCmd)
	rootCmd.AddCommand(transcriptCmd)
}
