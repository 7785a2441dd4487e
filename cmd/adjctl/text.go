package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/decision"
	"github.com/agentoven/adjudicator/internal/guardrails"
	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/pkg/models"
)

func newRedactCmd() *cobra.Command {
	var (
		field string
		audit bool
	)
	cmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Mask PII in text",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			r := guardrails.NewRedactor()
			if !audit {
				_, err := fmt.Fprint(cmd.OutOrStdout(), r.Redact(text))
				return err
			}
			out, dets := r.RedactAudited(field, text)
			if dets == nil {
				dets = []models.PIIDetection{}
			}
			return printJSON(cmd, map[string]any{"text": out, "detections": dets})
		},
	}
	cmd.Flags().StringVar(&field, "field", "text", "Field name recorded on detections")
	cmd.Flags().BoolVar(&audit, "audit", false, "Print detections as JSON")
	return cmd
}

func newDecisionCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "decision [text]",
		Short: "Extract a structured decision from agent output",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind models.EntityKind
			switch domain {
			case "claim":
				kind = models.EntityClaim
			case "tender":
				kind = models.EntityTender
			default:
				return fmt.Errorf("unknown domain %q (want claim or tender)", domain)
			}

			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			dec, strategy := decision.NewExtractor(decision.DomainFor(kind)).ParseWithStrategy(text)
			return printJSON(cmd, map[string]any{"decision": dec, "strategy": strategy})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "claim", "Decision domain: claim or tender")
	return cmd
}

func newSanitizeCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Strip literal capability calls and internal markers from a response",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), sanitize.New(paths...).Sanitize(text))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&paths, "relative-path", nil, "URL path prefixes rewritten to relative links")
	return cmd
}

func newManifestCmd() *cobra.Command {
	var ocrURL, searchURL, recordsURL string
	cmd := &cobra.Command{
		Use:   "manifest <capability>...",
		Short: "Build the capability manifest sent upstream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := capability.NewDefaultRegistry(ocrURL, searchURL, recordsURL)
			manifest := reg.BuildManifest(args)
			if manifest == nil {
				manifest = []models.EndpointGroupManifest{}
			}
			return printJSON(cmd, manifest)
		},
	}
	cmd.Flags().StringVar(&ocrURL, "ocr-url", "http://localhost:8101/mcp", "OCR endpoint group URL")
	cmd.Flags().StringVar(&searchURL, "search-url", "http://localhost:8102/mcp", "Search endpoint group URL")
	cmd.Flags().StringVar(&recordsURL, "records-url", "http://localhost:8103/mcp", "Records endpoint group URL")
	return cmd
}
