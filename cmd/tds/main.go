// Command tds renders deterministic terminal demo media from declarative
// screenplays.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/compose"
	"github.com/tomallicino/terminal-demo-studio/pkg/director"
	"github.com/tomallicino/terminal-demo-studio/pkg/doctor"
	"github.com/tomallicino/terminal-demo-studio/pkg/lint"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// exitError carries the process exit contract out of a command handler.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.message != "" {
				fmt.Fprintln(os.Stderr, ee.message)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "tds",
	Short:         "Terminal Demo Studio",
	Long:          "tds — deterministic terminal demo media from declarative screenplays.",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagMode         string
	flagLocal        bool
	flagDocker       bool
	flagOutputs      []string
	flagOutputDir    string
	flagPlayback     string
	flagAgentPrompts string
	flagRedact       string
	flagKeepTemp     bool
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagMode, "mode", "auto", "lane: auto, scripted, interactive, visual")
	cmd.Flags().BoolVar(&flagLocal, "local", false, "force local execution (fail fast on missing tools)")
	cmd.Flags().BoolVar(&flagDocker, "docker", false, "force container execution")
	cmd.Flags().StringArrayVar(&flagOutputs, "output", []string{"gif", "mp4"}, "media outputs (gif, mp4); repeatable")
	cmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "directory for the run root (default: screenplay directory)")
	cmd.Flags().StringVar(&flagPlayback, "playback", "sequential", "scene playback: sequential or simultaneous")
	cmd.Flags().StringVar(&flagAgentPrompts, "agent-prompts", "auto", "prompt automation: auto, manual, approve, deny")
	cmd.Flags().StringVar(&flagRedact, "redact", "auto", "media redaction: auto, off, input_line")
	cmd.Flags().BoolVar(&flagKeepTemp, "keep-temp", false, "retain scratch directories under the run dir")
}

func runCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <screenplay>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE:  runScreenplay,
	}
	addRunFlags(cmd)
	return cmd
}

func runScreenplay(cmd *cobra.Command, args []string) error {
	if flagLocal && flagDocker {
		return &exitError{code: 2, message: "--local and --docker are mutually exclusive"}
	}

	cfg := director.ConfigFromEnv()
	cfg.OutputDir = flagOutputDir
	cfg.AgentPromptMode = flagAgentPrompts
	cfg.Playback = compose.PlaybackSequential
	if flagPlayback == "simultaneous" {
		cfg.Playback = compose.PlaybackSimultaneous
	}
	cfg.MediaRequest = redaction.MediaMode(flagRedact)
	cfg.KeepTemp = flagKeepTemp
	cfg.ProduceGIF, cfg.ProduceMP4 = outputSelection(flagOutputs)
	if !cfg.ProduceGIF && !cfg.ProduceMP4 {
		return &exitError{code: 2, message: "at least one --output type must be enabled"}
	}

	location := director.LocationAuto
	if flagLocal {
		location = director.LocationLocal
	}
	if flagDocker {
		location = director.LocationDocker
	}

	result, err := director.Run(cmd.Context(), args[0], director.Mode(flagMode), location, cfg)
	if err != nil {
		return &exitError{code: 1, message: err.Error()}
	}
	if result.Failure != nil {
		return &exitError{code: result.ExitCode, message: result.Failure.Error()}
	}
	return nil
}

func outputSelection(outputs []string) (gif, mp4 bool) {
	for _, out := range outputs {
		switch out {
		case "gif":
			gif = true
		case "mp4":
			mp4 = true
		}
	}
	return gif, mp4
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <screenplay>",
	Short: "Validate a screenplay against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var (
	flagExplain    bool
	flagJSONSchema bool
)

func runValidate(cmd *cobra.Command, args []string) error {
	if flagJSONSchema {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return &exitError{code: 1, message: err.Error()}
		}
		fmt.Println(string(data))
		return nil
	}

	sp, errs := schema.ValidateFile(args[0], schema.LoadOptions{})
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errs))
		for i, e := range errs {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return &exitError{code: 2}
	}

	fmt.Printf("%s %s\n", okStyle.Render("Valid screenplay:"), args[0])
	if flagExplain {
		fmt.Printf("Title: %s\n", sp.Title)
		fmt.Printf("Output: %s\n", sp.Output)
		fmt.Printf("Scenarios: %d\n", len(sp.Scenarios))
		for i := range sp.Scenarios {
			scenario := &sp.Scenarios[i]
			waitCount := 0
			for _, op := range scenario.Ops {
				if op.IsWait() {
					waitCount++
				}
			}
			fmt.Printf("- %s [%s]: actions=%d, waits=%d, setup=%d\n",
				scenario.Label, scenario.Mode(), len(scenario.Actions), waitCount, len(scenario.Setup))
		}
	}
	return nil
}

// --- lint ---

var lintCmd = &cobra.Command{
	Use:   "lint <screenplay>",
	Short: "Lint a validated screenplay for unsafe policies and fragile waits",
	Args:  cobra.ExactArgs(1),
	RunE:  runLint,
}

var (
	flagStrict   bool
	flagLintJSON bool
)

func runLint(cmd *cobra.Command, args []string) error {
	sp, errs := schema.ValidateFile(args[0], schema.LoadOptions{})
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "cannot lint: screenplay fails validation (%d error(s))\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
		}
		return &exitError{code: 2}
	}

	result := lint.Screenplay(sp, flagStrict)
	if flagLintJSON {
		data, err := json.MarshalIndent(result.ToJSON(), "", "  ")
		if err != nil {
			return &exitError{code: 1, message: err.Error()}
		}
		fmt.Println(string(data))
	} else {
		for _, f := range result.Findings {
			style := warnStyle
			if f.Severity == lint.SeverityError || flagStrict {
				style = failStyle
			}
			scope := ""
			if f.Scenario != "" {
				scope = fmt.Sprintf(" [%s]", f.Scenario)
			}
			fmt.Printf("%s %s%s: %s\n", style.Render(string(f.Severity)), f.Code, scope, f.Message)
		}
		if len(result.Findings) == 0 {
			fmt.Println(okStyle.Render("No findings."))
		}
	}
	if result.Status() == "fail" {
		return &exitError{code: 2}
	}
	return nil
}

// --- doctor ---

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe external tool availability with remediation hints",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var flagDoctorMode string

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := doctor.RunChecks(doctor.Mode(flagDoctorMode))
	for _, check := range checks {
		var status string
		switch {
		case check.OK:
			status = okStyle.Render("PASS")
		case check.Warn:
			status = warnStyle.Render("WARN")
		default:
			status = failStyle.Render("FAIL")
		}
		fmt.Printf("%s %s: %s\n", status, check.Name, check.Message)
	}
	if doctor.HasFailures(checks) {
		return &exitError{code: 3}
	}
	return nil
}

// --- debug ---

var debugCmd = &cobra.Command{
	Use:   "debug <run_dir>",
	Short: "Summarize a run directory for triage",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebug,
}

var flagDebugJSON bool

func runDebug(cmd *cobra.Command, args []string) error {
	triage, err := artifacts.TriageRun(args[0])
	if err != nil {
		return &exitError{code: 1, message: err.Error()}
	}
	if flagDebugJSON {
		data, err := json.MarshalIndent(triage, "", "  ")
		if err != nil {
			return &exitError{code: 1, message: err.Error()}
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(triage.Render())
	return nil
}

func init() {
	validateCmd.Flags().BoolVar(&flagExplain, "explain", false, "print a structural summary")
	validateCmd.Flags().BoolVar(&flagJSONSchema, "json-schema", false, "print the generated JSON Schema and exit")
	lintCmd.Flags().BoolVar(&flagStrict, "strict", false, "promote warnings to errors")
	lintCmd.Flags().BoolVar(&flagLintJSON, "json", false, "emit findings as JSON")
	doctorCmd.Flags().StringVar(&flagDoctorMode, "mode", "auto", "lane scope: auto, scripted, interactive, visual")
	debugCmd.Flags().BoolVar(&flagDebugJSON, "json", false, "emit the triage as JSON")

	rootCmd.AddCommand(
		runCommand("run", "Execute a screenplay"),
		runCommand("render", "Execute a screenplay and produce media (synonym of run)"),
		validateCmd,
		lintCmd,
		doctorCmd,
		debugCmd,
	)
}
