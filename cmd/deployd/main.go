// Package main implements the deployd CLI: submit deployment intents,
// approve or reject plans, and inspect deployment state.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/orchestrator"
	"github.com/fyrsmithlabs/deployd/internal/planstore"
)

var (
	flagConfig string
	flagStore  string
	flagIndex  string
	flagNATS   string

	flagEnv      string
	flagUser     string
	flagBudget   float64
	flagWait     time.Duration
	flagApprover string
	flagReason   string
	flagHard     bool
	flagAll      bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "deployd",
	Short:   "Autonomous ML deployment orchestrator",
	Long:    "deployd turns natural language deployment intents into validated,\naudited endpoint deployments with automatic retry and replanning.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "plan store file (defaults to in-memory)")
	rootCmd.PersistentFlags().StringVar(&flagIndex, "index", "", "policy index directory (defaults to in-memory)")
	rootCmd.PersistentFlags().StringVar(&flagNATS, "nats", "", "NATS URL for the audit stream (defaults to in-process)")

	submitCmd.Flags().StringVar(&flagEnv, "env", "dev", "target environment: dev, staging, or prod")
	submitCmd.Flags().StringVar(&flagUser, "user", "cli", "submitting user id")
	submitCmd.Flags().Float64Var(&flagBudget, "budget", 0, "budget cap in USD per hour (0 means environment default)")
	submitCmd.Flags().DurationVar(&flagWait, "wait", 2*time.Minute, "how long to wait for execution to settle (0 returns immediately)")

	approveCmd.Flags().StringVar(&flagApprover, "approver", "cli", "approver id")
	approveCmd.Flags().StringVar(&flagReason, "reason", "", "approval reason")
	approveCmd.Flags().DurationVar(&flagWait, "wait", 2*time.Minute, "how long to wait for execution to settle (0 returns immediately)")
	rejectCmd.Flags().StringVar(&flagApprover, "approver", "cli", "approver id")
	rejectCmd.Flags().StringVar(&flagReason, "reason", "", "rejection reason")

	restartCmd.Flags().DurationVar(&flagWait, "wait", 2*time.Minute, "how long to wait for execution to settle (0 returns immediately)")
	deleteCmd.Flags().BoolVar(&flagHard, "hard", false, "also tear down backend resources and drop the record")
	listCmd.Flags().BoolVar(&flagAll, "all", false, "include finished and deleted plans")

	rootCmd.AddCommand(submitCmd, approveCmd, rejectCmd, listCmd, statusCmd, restartCmd, deleteCmd, seedCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <intent>",
	Short: "Submit a deployment intent",
	Long: `Submit a natural language deployment intent.

Examples:
  deployd submit "deploy llama-3 for the chatbot team" --env dev
  deployd submit "deploy bert-base with 3 instances" --env staging --budget 10`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var approveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a plan awaiting approval and start execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <plan-id>",
	Short: "Reject a plan awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active deployments",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <plan-id>",
	Short: "Show one plan's status summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var restartCmd = &cobra.Command{
	Use:   "restart <plan-id>",
	Short: "Restart a paused, failed, or deployed plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <plan-id>",
	Short: "Delete a plan (soft by default)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the built-in policy documents into the retrieval index",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	if err := a.seedPolicies(ctx); err != nil {
		return fmt.Errorf("seeding policies: %w", err)
	}

	plan, err := a.orch.Submit(ctx, submitRequest(args[0]))
	if err != nil {
		return err
	}
	printPlan(plan)

	if plan.Status == deploy.StatusDeploying && flagWait > 0 {
		return waitAndPrint(ctx, a, plan.PlanID)
	}
	if plan.Status == deploy.StatusAwaitingApproval {
		fmt.Printf("run: deployd approve %s\n", plan.PlanID)
	}
	return nil
}

func submitRequest(intent string) orchestrator.SubmitRequest {
	req := orchestrator.SubmitRequest{
		UserID: flagUser,
		Intent: intent,
		Env:    deploy.Environment(flagEnv),
	}
	if flagBudget > 0 {
		req.Constraints.BudgetUSDPerHour = flagBudget
	}
	return req
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	plan, err := a.orch.Approve(ctx, args[0], flagApprover, flagReason)
	if err != nil {
		return err
	}
	printPlan(plan)
	if flagWait > 0 {
		return waitAndPrint(ctx, a, plan.PlanID)
	}
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	plan, err := a.orch.Reject(ctx, args[0], flagApprover, flagReason)
	if err != nil {
		return err
	}
	printPlan(plan)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	var summaries []deploy.PlanSummary
	if flagAll {
		summaries, err = a.orch.List(ctx, planstore.Filter{IncludeDeleted: true})
	} else {
		summaries, err = a.orch.ActiveDeployments(ctx)
	}
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no plans")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-18s %-8s %-24s %s\n", s.PlanID, s.Status, s.Env, s.EndpointName, s.Intent)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	plan, err := a.orch.Get(ctx, args[0])
	if err != nil {
		return err
	}
	printPlan(plan)
	line, err := a.orch.Summarize(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	plan, err := a.orch.Restart(ctx, args[0], flagUser)
	if err != nil {
		return err
	}
	printPlan(plan)
	if flagWait > 0 {
		return waitAndPrint(ctx, a, plan.PlanID)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	if err := a.orch.Delete(ctx, args[0], flagUser, flagHard); err != nil {
		return err
	}
	fmt.Println("deleted", args[0])
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(context.Background())

	if err := a.seedPolicies(ctx); err != nil {
		return err
	}
	fmt.Printf("seeded %d policy documents\n", len(defaultPolicies()))
	return nil
}

// waitAndPrint polls until the plan reaches a resting state or the
// wait budget runs out.
func waitAndPrint(ctx context.Context, a *app, planID string) error {
	deadline := time.Now().Add(flagWait)
	for {
		plan, err := a.orch.Get(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status.IsTerminal() || plan.Status == deploy.StatusPaused {
			printPlan(plan)
			return nil
		}
		if time.Now().After(deadline) {
			fmt.Printf("still %s after %s, check later with: deployd status %s\n", plan.Status, flagWait, planID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func printPlan(p *deploy.DeploymentPlan) {
	fmt.Printf("plan %s: %s\n", p.PlanID, p.Status)
	if p.Artifact != nil {
		fmt.Printf("  endpoint %s  %s x%d\n", p.Artifact.EndpointName, p.Artifact.InstanceType, p.Artifact.InstanceCount)
	}
	for _, e := range p.ValidationErrors {
		fmt.Println("  error:", e)
	}
	for _, w := range p.Warnings {
		fmt.Println("  warning:", w)
	}
	if p.LastError != "" {
		fmt.Println("  last error:", p.LastError)
	}
}
