package main

import (
	"github.com/spf13/cobra"

	"github.com/agentoven/adjudicator/internal/intent"
)

func newClassifyCmd() *cobra.Command {
	var (
		agentID     string
		agentsFile  string
		actionsFile string
		shortMax    int
		minFrench   int
	)
	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Route a message to an agent",
		Long:  `Classifies a message as agent_request, follow_up or general and prints the routed agent, detected language and suggested actions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := inputText(cmd, args)
			if err != nil {
				return err
			}

			reg := intent.DefaultRegistry()
			if agentsFile != "" {
				if reg, err = intent.LoadRegistry(agentsFile); err != nil {
					return err
				}
			}
			opts := []intent.RouterOption{
				intent.WithShortKeywordMaxLen(shortMax),
				intent.WithMinFrenchWords(minFrench),
			}
			if actionsFile != "" {
				actions, err := intent.LoadActions(actionsFile)
				if err != nil {
					return err
				}
				opts = append(opts, intent.WithActions(actions))
			}

			return printJSON(cmd, intent.NewRouter(reg, opts...).Classify(msg, agentID))
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent already bound to the conversation")
	cmd.Flags().StringVar(&agentsFile, "agents-file", "", "YAML agent registry")
	cmd.Flags().StringVar(&actionsFile, "actions-file", "", "YAML suggested-action overrides")
	cmd.Flags().IntVar(&shortMax, "short-keyword-max-len", intent.DefaultShortKeywordMaxLen, "Keywords this short must match a whole word")
	cmd.Flags().IntVar(&minFrench, "min-french-words", intent.DefaultMinFrenchWords, "French marker words needed to answer in French")
	return cmd
}
