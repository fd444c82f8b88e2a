package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/stewardbot/steward/steward"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Steward bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := steward.New(cfg)
			if err != nil {
				log.Fatalf("error creating steward: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running steward: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
