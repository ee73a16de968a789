package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grantflow/internal/app"
	"grantflow/internal/engine"
	"grantflow/internal/workflow"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Submit, list and approve proposals"}
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalUpdateCmd())
	cmd.AddCommand(proposalStatusCmd())
	cmd.AddCommand(proposalPermissionsCmd())
	return cmd
}

func addProposalFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "proposal title")
	cmd.Flags().String("department", "", "department code")
	cmd.Flags().String("type", "", "proposal type (New|Revised|Resubmission|Other)")
	cmd.Flags().String("agency", "", "funding agency")
	cmd.Flags().String("source", "", "funding source")
	cmd.Flags().String("deadline", "", "grant deadline (YYYY-MM-DD)")
	cmd.Flags().String("start", "", "project start date")
	cmd.Flags().String("end", "", "project end date")
	cmd.Flags().String("project-type", "", "project type")
	cmd.Flags().String("summary", "", "project summary")
	cmd.Flags().Float64("budget", 0, "total budget")
	cmd.Flags().String("budget-summary", "", "budget summary")
	cmd.Flags().String("comments", "", "comments")
	cmd.Flags().String("admin-comments", "", "OSP comments")
}

func proposalInput(cmd *cobra.Command) engine.ProposalInput {
	return engine.ProposalInput{
		Title:         optionalString(cmd, "title"),
		Department:    optionalString(cmd, "department"),
		ProposalType:  optionalString(cmd, "type"),
		FundingAgency: optionalString(cmd, "agency"),
		FundingSource: optionalString(cmd, "source"),
		GrantDeadline: optionalString(cmd, "deadline"),
		StartDate:     optionalString(cmd, "start"),
		EndDate:       optionalString(cmd, "end"),
		ProjectType:   optionalString(cmd, "project-type"),
		Summary:       optionalString(cmd, "summary"),
		BudgetTotal:   optionalFloat(cmd, "budget"),
		BudgetSummary: optionalString(cmd, "budget-summary"),
		Comments:      optionalString(cmd, "comments"),
		AdminComments: optionalString(cmd, "admin-comments"),
	}
}

func proposalCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit Part A",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.SubmitProposal(ctx, proposalInput(cmd), actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Submitted %s (%s)\n", p.ID, p.Title)
				return nil
			})
		},
	}
	addProposalFlags(cmd)
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProposals(ctx, actor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Dept", "Deadline", "Part A", "Part B", "Approved", "Closed"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Department, p.GrantDeadline,
						yesNo(p.Level3), yesNo(p.SaveSubmit), yesNo(p.EmailApproved), yesNo(p.Closed)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with Part B and approvers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetProposal(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				p := view.Proposal
				fmt.Printf("%s  %s\n", p.ID, p.Title)
				fmt.Printf("owner %s, department %s, version %d\n", p.OwnerID, p.Department, p.Version)
				fmt.Printf("Part A complete: %v  Part B complete: %v  closed: %v\n", view.Step1, view.Step2, p.Closed)
				if len(view.Approvers) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Approver", "Replaces", "Part A", "Part B"})
					for _, ap := range view.Approvers {
						tw.AppendRow(table.Row{ap.UserID, ap.Replaces.String(), yesNo(ap.Step1), yesNo(ap.Step2)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func proposalUpdateCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit Part A",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdateProposal(ctx, engine.UpdateRequest{
					ProposalID: args[0],
					ActorID:    actor,
					Version:    version,
					Input:      proposalInput(cmd),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Updated %s (version %d)\n", p.ID, p.Version)
				return nil
			})
		},
	}
	addProposalFlags(cmd)
	cmd.Flags().Int64Var(&version, "version", 0, "expected version")
	return cmd
}

func proposalStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <approve|decline|needswork|open|close|awarded>",
		Short: "Request a workflow transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SetStatus(ctx, engine.StatusRequest{
					ProposalID: args[0],
					ActorID:    actor,
					Status:     strings.ToLower(args[1]),
				})
				if workflow.IsRejection(err) {
					return fmt.Errorf("%s: %w", workflow.RejectionKind(err), err)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				for _, n := range res.Notifications {
					fmt.Printf("  queued %s -> %s\n", n.Event, strings.Join(n.Recipients, ", "))
				}
				return nil
			})
		},
	}
}

func proposalPermissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions <id>",
		Short: "Show the actor's permission set on a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				perms, err := a.Engine.Permissions(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(perms)
			})
		},
	}
}

func impactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "impact", Short: "Part B questionnaire"}
	cmd.AddCommand(impactSaveCmd())
	return cmd
}

func impactSaveCmd() *cobra.Command {
	var submit bool
	var version int64
	cmd := &cobra.Command{
		Use:   "save <proposal-id>",
		Short: "Save Part B, optionally submitting it for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.SaveImpact(ctx, engine.ImpactRequest{
					ProposalID: args[0],
					ActorID:    actor,
					Submit:     submit,
					Version:    version,
					Input: engine.ImpactInput{
						CostShareMatch:  optionalString(cmd, "cost-share"),
						Funds:           optionalString(cmd, "funds"),
						HumanSubjects:   optionalString(cmd, "human-subjects"),
						AnimalSubjects:  optionalString(cmd, "animal-subjects"),
						Subawards:       optionalString(cmd, "subawards"),
						PersonnelSalary: optionalString(cmd, "personnel"),
						International:   optionalString(cmd, "international"),
						Hazards:         optionalString(cmd, "hazards"),
						DataManagement:  optionalString(cmd, "data-management"),
						AdminComments:   optionalString(cmd, "admin-comments"),
					},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				if submit {
					fmt.Printf("Part B of %s submitted for review\n", view.Proposal.ID)
				} else {
					fmt.Printf("Part B of %s saved\n", view.Proposal.ID)
				}
				return nil
			})
		},
	}
	for _, f := range []struct{ name, usage string }{
		{"cost-share", "cost share / match"},
		{"funds", "funds"},
		{"human-subjects", "human subjects"},
		{"animal-subjects", "animal subjects"},
		{"subawards", "subawards"},
		{"personnel", "personnel salary"},
		{"international", "international activity"},
		{"hazards", "hazardous materials"},
		{"data-management", "data management"},
		{"admin-comments", "OSP comments"},
	} {
		cmd.Flags().String(f.name, "", f.usage)
	}
	cmd.Flags().BoolVar(&submit, "submit", false, "submit Part B to the reviewers")
	cmd.Flags().Int64Var(&version, "version", 0, "expected proposal version")
	return cmd
}

func approverCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approver", Short: "Ad-hoc approvers"}
	var replaces string
	add := &cobra.Command{
		Use:   "add <proposal-id> <user-id>",
		Short: "Assign an ad-hoc approver",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ap, err := a.Engine.AddApprover(ctx, engine.ApproverRequest{
					ProposalID: args[0],
					ActorID:    actor,
					UserID:     args[1],
					Replaces:   replaces,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ap)
				}
				fmt.Printf("Assigned %s to %s (replaces %s)\n", ap.UserID, ap.ProposalID, ap.Replaces)
				return nil
			})
		},
	}
	add.Flags().StringVar(&replaces, "replaces", "", "level the approver stands in for (none|level3)")
	cmd.AddCommand(add)
	return cmd
}
