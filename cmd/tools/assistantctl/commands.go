package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
)

func (c *cli) newAskCmd() *cobra.Command {
	var (
		image  bool
		record bool
	)
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Answer a prompt with the active rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			modality := rule.TypeText
			if image {
				modality = rule.TypeImage
			}
			input := strings.Join(args, " ")

			out := cmd.OutOrStdout()
			if record {
				turn, err := s.app.Chat(ctx, input, modality)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "[%s] %s\n", turn.SessionID, turn.Response.Value)
				printFollowup(out, turn.Response.Followup)
				return nil
			}

			resp := s.app.ProcessInput(ctx, input, modality)
			if resp.Type == rule.TypeImage {
				fmt.Fprintf(out, "(image) %s\n", resp.Value)
			} else {
				fmt.Fprintln(out, resp.Value)
			}
			printFollowup(out, resp.Followup)
			return nil
		},
	}
	cmd.Flags().BoolVar(&image, "image", false, "Prefer an image response")
	cmd.Flags().BoolVar(&record, "record", false, "Record the exchange in the current chat session")
	return cmd
}

func printFollowup(w io.Writer, followup []string) {
	for _, f := range followup {
		fmt.Fprintf(w, "  > %s\n", f)
	}
}

func (c *cli) newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and administer response rules",
	}

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the active rules in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			doc := rule.Document{Rules: s.app.GetAllRules(ctx)}
			return writeDocument(cmd.OutOrStdout(), doc, rule.Format(format))
		},
	}
	list.Flags().StringVarP(&format, "output", "o", "yaml", "Output format: yaml or json")

	source := &cobra.Command{
		Use:   "source",
		Short: "Print where the active rules come from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			s.app.LoadRules(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), s.app.GetRulesSource())
			return nil
		},
	}

	replace := &cobra.Command{
		Use:   "replace [file]",
		Short: "Install a rule document (JSON or YAML) as the override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := rule.ParseDocument(data, rule.FormatFromPath(args[0]))
			if err != nil {
				return err
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.app.ReplaceRules(ctx, doc.Rules); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %d rules\n", len(doc.Rules))
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Remove the override and fall back to the default rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			set := s.app.ResetRules(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "using %d %s rules\n", len(set), s.app.GetRulesSource())
			return nil
		},
	}

	cmd.AddCommand(list, source, replace, reset)
	return cmd
}

func writeDocument(w io.Writer, doc rule.Document, format rule.Format) error {
	switch format {
	case rule.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case rule.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func (c *cli) newExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write sessions and the rule override as one JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			s.app.LoadRules(ctx)
			exported, err := s.app.Export(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(exported)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}

func (c *cli) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Restore a document written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var in assistant.Export
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("%w: %v", assistant.ErrInvalidExport, err)
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.app.Import(ctx, in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions\n", len(in.Sessions.Chats))
			return nil
		},
	}
}

func (c *cli) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow rule changes announced by the sync hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.peer == "" {
				return fmt.Errorf("no sync hub configured: pass --peer or set SYNC_PEER_URL")
			}
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			s.app.LoadRules(ctx)

			notices := rulesync.NewNotices()
			events, stop := notices.Subscribe()
			defer stop()
			listener := rulesync.NewListener(rules.OverrideKey, s.origin, s.rules, notices, c.logger.Named("sync"))
			defer listener.Attach(s.client)()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching %s (%d %s rules)\n", c.peer, len(s.app.GetAllRules(ctx)), s.app.GetRulesSource())
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-s.client.Done():
					return fmt.Errorf("sync hub closed the connection")
				case n := <-events:
					fmt.Fprintf(out, "%s %s (%d rules)\n", n.At.Format("15:04:05"), n.Message, len(s.app.GetAllRules(ctx)))
				}
			}
		},
	}
}
