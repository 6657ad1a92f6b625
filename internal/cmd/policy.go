package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/compliance"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/policy/store"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and evaluate policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored policies",
	RunE:  runPolicyList,
}

var policyEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate policies against a target document",
	RunE:  runPolicyEvaluate,
}

var policyGateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate policies as a deployment gate",
	Long: `Gate evaluates the stored policies against the target document and sets
the exit code for pipeline use: 0 when the gate passed, 1 when a blocking
policy failed, 2 on internal errors.`,
	Run: runPolicyGate,
}

var (
	policyTargetFile    string
	policyIDs           []string
	policyStandardsFile string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyEvaluateCmd)
	policyCmd.AddCommand(policyGateCmd)

	for _, c := range []*cobra.Command{policyEvaluateCmd, policyGateCmd} {
		c.Flags().StringVarP(&policyTargetFile, "target", "t", "", "JSON file with the target document (- for stdin)")
		c.Flags().StringSliceVarP(&policyIDs, "policy", "p", nil, "restrict evaluation to these policy ids")
		c.MarkFlagRequired("target")
	}
	policyGateCmd.Flags().StringVar(&policyStandardsFile, "standards", "",
		"standards catalogue to build a compliance report from")
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Stop()
	cfg := manager.Get()

	st, err := store.Open(cfg.Policy.Dir, cfg.Policy.ArchiveDir)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	defer st.Stop()

	policies := st.List()
	if len(policies) == 0 {
		fmt.Println("No policies stored.")
		return nil
	}

	table := newDisplayTable([]string{"ID", "Name", "Kind", "Enforcement", "Status", "Version", "Rules"})
	for _, p := range policies {
		table.Append([]string{
			p.ID,
			p.Name,
			string(p.Kind),
			string(p.Enforcement),
			string(p.Status),
			p.Version,
			fmt.Sprintf("%d", len(p.Rules)),
		})
	}
	table.Render()
	return nil
}

func runPolicyEvaluate(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Stop()

	result, _, err := evaluateTarget(manager.Get())
	if err != nil {
		return err
	}
	displayGateResult(result)
	return nil
}

func runPolicyGate(cmd *cobra.Command, args []string) {
	manager, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(2)
	}
	defer manager.Stop()
	cfg := manager.Get()

	result, target, err := evaluateTarget(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(2)
	}
	displayGateResult(result)

	if policyStandardsFile != "" {
		if err := saveComplianceReport(cfg, target, result); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
			os.Exit(2)
		}
	}

	if result.Blocked {
		os.Exit(1)
	}
}

// evaluateTarget loads the target document, opens the policy store and
// evaluates either the selected policies or every active one.
func evaluateTarget(cfg *config.Config) (*policy.GateResult, map[string]interface{}, error) {
	target, err := loadTargetDocument(policyTargetFile)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Policy.Dir, cfg.Policy.ArchiveDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open policy store: %w", err)
	}
	defer st.Stop()

	var policies []*policy.Policy
	if len(policyIDs) == 0 {
		policies = st.Active()
	} else {
		for _, id := range policyIDs {
			p, err := st.Get(id)
			if err != nil {
				return nil, nil, err
			}
			policies = append(policies, p)
		}
	}

	return policy.NewEngine().EvaluateAll(policies, target), target, nil
}

// loadTargetDocument reads the evaluation target, a JSON object, from a
// file or stdin.
func loadTargetDocument(path string) (map[string]interface{}, error) {
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
		return nil, fmt.Errorf("failed to read target document: %w", err)
	}

	var target map[string]interface{}
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("failed to parse target document: %w", err)
	}
	return target, nil
}

func displayGateResult(result *policy.GateResult) {
	table := newDisplayTable([]string{"Policy", "Enforcement", "Result"})
	for _, eval := range result.Evaluations {
		verdict := color.GreenString("passed")
		switch {
		case eval.Skipped:
			verdict = fmt.Sprintf("skipped (%s)", eval.SkipReason)
		case !eval.Passed:
			verdict = color.RedString("failed")
		}
		table.Append([]string{eval.PolicyID, string(eval.Enforcement), verdict})
	}
	table.Render()

	for _, v := range result.Violations {
		fmt.Println(color.RedString("violation: [%s] %s/%s: %s", v.Severity, v.PolicyID, v.RuleID, v.Description))
		for _, step := range v.RemediationSteps {
			fmt.Printf("  remediation: %s\n", step)
		}
	}

	switch {
	case result.Passed:
		fmt.Println(color.GreenString("Gate passed."))
	case result.Blocked:
		fmt.Println(color.RedString("Gate blocked."))
	default:
		fmt.Println(color.YellowString("Gate passed with warnings."))
	}
}

func saveComplianceReport(cfg *config.Config, target map[string]interface{}, gate *policy.GateResult) error {
	data, err := os.ReadFile(policyStandardsFile)
	if err != nil {
		return fmt.Errorf("failed to read standards catalogue: %w", err)
	}
	standards, err := compliance.ParseStandards(data)
	if err != nil {
		return err
	}

	reporter := compliance.NewReporter(cfg.Policy.ReportDir)
	path, err := reporter.Save(reporter.Generate(target, standards, gate))
	if err != nil {
		return err
	}
	fmt.Printf("Compliance report written to %s\n", path)
	return nil
}
