package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/approval"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/remediation"
	"github.com/pipewright/pipewright/internal/rollback"
	"github.com/pipewright/pipewright/internal/storage"
	"github.com/pipewright/pipewright/internal/workflow"
)

var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "Create a remediation plan and workflow from a vulnerability report",
	Long: `Remediate matches reported vulnerabilities against fix templates, groups
the resulting actions into a plan and generates the workflow that carries
it out. With --auto-apply the workflow runs immediately, stopping at the
first approval gate.`,
	RunE: runRemediate,
}

var (
	remediateRepo      string
	remediateSHA       string
	remediateReport    string
	remediateTemplates string
	remediateApply     bool
	remediateGated     bool
	remediateRoles     []string
)

func init() {
	rootCmd.AddCommand(remediateCmd)

	remediateCmd.Flags().StringVar(&remediateRepo, "repo", "", "repository the vulnerabilities were reported against")
	remediateCmd.Flags().StringVar(&remediateSHA, "sha", "", "revision the vulnerabilities were reported against")
	remediateCmd.Flags().StringVarP(&remediateReport, "report", "r", "", "JSON file with the vulnerability report (- for stdin)")
	remediateCmd.Flags().StringVar(&remediateTemplates, "templates", "", "directory with additional remediation templates")
	remediateCmd.Flags().BoolVar(&remediateApply, "auto-apply", false, "execute the workflow after planning")
	remediateCmd.Flags().BoolVar(&remediateGated, "require-approval", false, "gate remediation steps behind approval")
	remediateCmd.Flags().StringSliceVar(&remediateRoles, "roles", nil, "roles allowed to approve gated steps")

	remediateCmd.MarkFlagRequired("repo")
	remediateCmd.MarkFlagRequired("sha")
	remediateCmd.MarkFlagRequired("report")
}

func runRemediate(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Stop()
	cfg := manager.Get()

	vulns, err := loadVulnerabilityReport(remediateReport)
	if err != nil {
		return err
	}

	docs, err := storage.NewStore(cfg.Remediation.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open remediation storage: %w", err)
	}

	catalog := remediation.NewCatalog()
	if remediateTemplates != "" {
		if err := catalog.LoadDir(remediateTemplates); err != nil {
			return err
		}
	}

	planner := remediation.NewPlanner(catalog, docs)
	plan, err := planner.CreatePlan(cmd.Context(), remediation.Request{
		Repo:            remediateRepo,
		SHA:             remediateSHA,
		Vulnerabilities: vulns,
		AutoApply:       remediateApply,
	})
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	fmt.Printf("%s plan %s with %d action(s) for %s\n",
		color.GreenString("Created"), plan.ID, len(plan.Actions), plan.Target)
	for _, skipped := range plan.Skipped {
		fmt.Println(color.YellowString("skipped %s: %s", skipped.VulnerabilityID, skipped.Reason))
	}

	engine := policy.NewEngine()
	approvals := approval.NewService(docs, engine, nil)
	rollbacks, err := rollback.NewService(docs, filepath.Join(cfg.Remediation.DataDir, "sandbox"))
	if err != nil {
		return fmt.Errorf("failed to open rollback sandbox: %w", err)
	}

	opts := workflow.Options{
		StepTimeout:         cfg.Remediation.StepTimeoutDuration(),
		DatabaseStepTimeout: cfg.Remediation.DatabaseStepTimeoutDuration(),
		MaxParallel:         cfg.MaxParallelJobs,
	}
	if cfg.Remediation.AutoApprove {
		opts.AutoApprove = approval.DefaultAutoApprovePolicy()
	}
	runtime := workflow.NewRuntime(docs, approvals, rollbacks, nil, opts)

	wf, err := runtime.GenerateWorkflow(cmd.Context(), plan, workflow.Gate{
		RequiresApproval: remediateGated,
		ApprovalRoles:    remediateRoles,
	})
	if err != nil {
		return fmt.Errorf("failed to generate workflow: %w", err)
	}

	if remediateApply && !wf.Terminal() {
		if wf, err = runtime.ExecuteWorkflow(cmd.Context(), wf.ID); err != nil {
			return fmt.Errorf("workflow execution failed: %w", err)
		}
	}
	displayWorkflow(wf)

	if wf.Waiting() {
		pending, err := approvals.ListByWorkflow(cmd.Context(), wf.ID)
		if err != nil {
			return err
		}
		for _, req := range pending {
			if req.Status == approval.StatusPending {
				fmt.Printf("Waiting for approval %s (roles: %v)\n", req.ID, req.RequiredRoles)
			}
		}
	}
	return nil
}

// loadVulnerabilityReport reads a report from a file or stdin. The document
// is either a JSON array of vulnerabilities or an object carrying them
// under a "vulnerabilities" key.
func loadVulnerabilityReport(path string) ([]remediation.Vulnerability, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vulnerability report: %w", err)
	}

	var vulns []remediation.Vulnerability
	if err := json.Unmarshal(data, &vulns); err != nil {
		var report struct {
			Vulnerabilities []remediation.Vulnerability `json:"vulnerabilities"`
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to parse vulnerability report: %w", err)
		}
		vulns = report.Vulnerabilities
	}
	if len(vulns) == 0 {
		return nil, fmt.Errorf("vulnerability report names no vulnerabilities")
	}
	return vulns, nil
}

func displayWorkflow(wf *workflow.Workflow) {
	fmt.Printf("\nWorkflow %s is %s\n", wf.ID, workflowStatusString(wf.Status))

	table := newDisplayTable([]string{"#", "Step", "Kind", "Status"})
	for i, step := range wf.Steps {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			step.Name,
			string(step.Kind),
			string(step.Status),
		})
	}
	table.Render()
}

func workflowStatusString(status workflow.Status) string {
	switch status {
	case workflow.StatusCompleted:
		return color.GreenString(string(status))
	case workflow.StatusFailed, workflow.StatusRolledBack:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}
