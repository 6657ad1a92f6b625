package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/assembler"
	"github.com/pipewright/pipewright/internal/buildplan"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <path>",
	Short: "Build the dependency graph of a source tree",
	Long: `Analyze scans the project at <path>, assembles its dependency graph and
prints the graph metrics. With --changed the transitive dependents of the
changed paths become a build plan; with --output the full result is
written as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var (
	analyzeLanguages []string
	analyzeInclude   []string
	analyzeExclude   []string
	analyzeMaxDepth  int
	analyzeJobs      int
	analyzeChanged   []string
	analyzeOutput    string
	analyzeQuiet     bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringSliceVarP(&analyzeLanguages, "languages", "l", nil, "restrict scanning to these languages")
	analyzeCmd.Flags().StringSliceVar(&analyzeInclude, "include", nil, "glob patterns of files to include")
	analyzeCmd.Flags().StringSliceVar(&analyzeExclude, "exclude", nil, "glob patterns of files to exclude")
	analyzeCmd.Flags().IntVar(&analyzeMaxDepth, "max-depth", 0, "directory depth limit (0 means unlimited)")
	analyzeCmd.Flags().IntVarP(&analyzeJobs, "jobs", "j", 0, "parallel scan jobs (default from config)")
	analyzeCmd.Flags().StringSliceVar(&analyzeChanged, "changed", nil, "changed paths to compute a build plan for")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write the result as JSON to this file (- for stdout)")
	analyzeCmd.Flags().BoolVarP(&analyzeQuiet, "quiet", "q", false, "suppress the progress bar")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Stop()
	cfg := manager.Get()

	req := assembler.Request{
		Path:            args[0],
		Languages:       analyzeLanguages,
		IncludePatterns: analyzeInclude,
		ExcludePatterns: analyzeExclude,
		MaxDepth:        analyzeMaxDepth,
		MaxParallelJobs: analyzeJobs,
	}
	if len(req.Languages) == 0 {
		req.Languages = cfg.Analysis.Languages
	}
	if len(req.IncludePatterns) == 0 {
		req.IncludePatterns = cfg.Analysis.IncludePatterns
	}
	if len(req.ExcludePatterns) == 0 {
		req.ExcludePatterns = cfg.Analysis.ExcludePatterns
	}
	if req.MaxDepth == 0 {
		req.MaxDepth = cfg.Analysis.MaxDepth
	}
	if req.MaxParallelJobs == 0 {
		req.MaxParallelJobs = cfg.MaxParallelJobs
	}
	if !analyzeQuiet {
		req.Progress = scanProgress()
	}

	fmt.Println(color.CyanString("Analyzing %s...", args[0]))

	result, err := assembler.NewAnalyzer(nil).Analyze(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	displayAnalysis(result)

	var plan *buildplan.Plan
	if len(analyzeChanged) > 0 {
		plan, err = buildplan.NewPlanner().Plan(result.Graph, buildplan.Request{
			ChangedPaths:    analyzeChanged,
			MaxParallelJobs: req.MaxParallelJobs,
		})
		if err != nil {
			return fmt.Errorf("build planning failed: %w", err)
		}
		displayPlan(plan)
	}

	if analyzeOutput != "" {
		return writeAnalysisJSON(analyzeOutput, result, plan)
	}
	return nil
}

// scanProgress returns a per-file callback driving a progress bar. The bar
// is created on the first call, once the file total is known.
func scanProgress() func(done, total int) {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("scanning"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(done)
	}
}

func displayAnalysis(result *assembler.Result) {
	m := result.Metrics

	fmt.Printf("%s %d files scanned in %dms\n\n",
		color.GreenString("✓"), result.FilesScanned, result.DurationMS)

	table := newDisplayTable([]string{"Metric", "Value"})
	table.Append([]string{"Nodes", fmt.Sprintf("%d", m.NodeCount)})
	table.Append([]string{"Edges", fmt.Sprintf("%d", m.EdgeCount)})
	table.Append([]string{"Max dependency depth", fmt.Sprintf("%d", m.MaxDepth)})
	table.Append([]string{"Cyclomatic complexity", fmt.Sprintf("%d", m.Cyclomatic)})
	table.Append([]string{"Average degree", fmt.Sprintf("%.2f", m.AverageDegree)})
	table.Append([]string{"Cycles", fmt.Sprintf("%d", len(m.Cycles))})
	table.Render()

	if len(m.TopConnected) > 0 {
		fmt.Println("\nMost connected nodes:")
		table = newDisplayTable([]string{"Node", "In", "Out", "Total"})
		for _, node := range m.TopConnected {
			table.Append([]string{
				node.Key,
				fmt.Sprintf("%d", node.InDegree),
				fmt.Sprintf("%d", node.OutDegree),
				fmt.Sprintf("%d", node.Degree),
			})
		}
		table.Render()
	}

	for _, warning := range result.Warnings {
		fmt.Println(color.YellowString("warning: %s", warning))
	}
}

func displayPlan(plan *buildplan.Plan) {
	fmt.Printf("\nBuild plan: %d affected node(s), estimated %d batch round(s)\n",
		len(plan.Affected), plan.EstimatedTime)

	if len(plan.Batches) > 0 {
		table := newDisplayTable([]string{"Batch", "Level", "Tasks"})
		for i, batch := range plan.Batches {
			table.Append([]string{
				fmt.Sprintf("%d", i+1),
				fmt.Sprintf("%d", batch.Level),
				strings.Join(batch.Tasks, ", "),
			})
		}
		table.Render()
	}
	if len(plan.CriticalPath) > 0 {
		fmt.Printf("Critical path: %s\n", strings.Join(plan.CriticalPath, " -> "))
	}
	for _, warning := range plan.Warnings {
		fmt.Println(color.YellowString("warning: %s", warning))
	}
}

// writeAnalysisJSON writes the analysis, and the build plan when one was
// computed, to path; "-" means stdout.
func writeAnalysisJSON(path string, result *assembler.Result, plan *buildplan.Plan) error {
	payload := map[string]interface{}{"analysis": result}
	if plan != nil {
		payload["build_plan"] = plan
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Result written to %s\n", path)
	return nil
}

func newDisplayTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}
