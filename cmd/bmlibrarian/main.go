// BMLibrarian research CLI — answers a research question from the medical
// literature, or checks a paper's claims against it, driving the multi-agent
// pipeline over the durable task queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent"
	"github.com/bmlibrarian/bmlibrarian/pkg/cleanup"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
	"github.com/bmlibrarian/bmlibrarian/pkg/pipeline"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
	"github.com/bmlibrarian/bmlibrarian/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	question := flag.String("question", "",
		"Research question to answer from the literature")
	checkPaper := flag.String("check-paper", "",
		"Path to a paper file to check (first line title, rest abstract)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configDir, *question, *checkPaper); err != nil {
		slog.Error("Run failed", "error", err)
		os.Exit(1)
	}
}

func run(configDir, question, checkPaper string) error {
	if question == "" && checkPaper == "" {
		return fmt.Errorf("nothing to do: pass -question or -check-paper")
	}
	if question != "" && checkPaper != "" {
		return fmt.Errorf("-question and -check-paper are mutually exclusive")
	}

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("initializing configuration: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus)

	q, err := queue.Open(cfg.Queue.Path, bus)
	if err != nil {
		return fmt.Errorf("opening task queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("Error closing queue", "error", err)
		}
	}()

	backend, err := search.Connect(ctx, cfg.Search)
	if err != nil {
		return fmt.Errorf("connecting to literature database: %w", err)
	}
	defer backend.Close()

	gateway, err := llm.NewGateway(cfg.LLM)
	if err != nil {
		return fmt.Errorf("building LLM gateway: %w", err)
	}

	agents := pipeline.Agents{
		Query:          agent.NewQueryAgent(gateway, backend, bus, cfg.Agents.Query),
		Scoring:        agent.NewScoringAgent(gateway, bus, cfg.Agents.Scoring),
		Citation:       agent.NewCitationAgent(gateway, bus, cfg.Agents.Citation),
		Reporting:      agent.NewReportingAgent(gateway, bus, cfg.Agents.Reporting),
		Counterfactual: agent.NewCounterfactualAgent(gateway, bus, cfg.Agents.Counterfactual),
		Verdict:        agent.NewVerdictAgent(gateway, bus, cfg.Agents.Verdict),
	}

	orch := orchestrator.New(q, cfg.Orchestrator, bus)
	orch.RegisterAgent(agents.Query)
	orch.RegisterAgent(agents.Scoring)
	orch.RegisterAgent(agents.Citation)
	orch.RegisterAgent(agents.Reporting)
	orch.RegisterAgent(agents.Counterfactual)
	orch.RegisterAgent(agents.Verdict)
	orch.Start()

	maintenance := cleanup.NewService(cfg.Queue, q)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	controller := pipeline.New(orch, agents, gateway, backend, bus)

	// The flow runs in the background so a signal can interrupt it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		switch {
		case question != "":
			errCh <- runResearch(runCtx, controller, question)
		default:
			errCh <- runPaperCheck(runCtx, controller, checkPaper)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownGrace())
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown grace exceeded, stale leases will be recovered on restart", "error", err)
	}

	if runErr != nil && runCtx.Err() != nil {
		// Interrupted by signal: report the interruption, not the
		// context error it caused.
		return fmt.Errorf("interrupted")
	}
	return runErr
}

func runResearch(ctx context.Context, controller *pipeline.Controller, question string) error {
	slog.Info("Researching question", "question", question)

	result, err := controller.RunResearch(ctx, question, pipeline.ResearchOptions{})
	if err != nil {
		return err
	}

	slog.Info("Research finished",
		"documents", len(result.Documents),
		"citations", len(result.Citations),
		"queries_tried", len(result.QueriesTried),
		"task_failures", result.TaskFailures)

	if result.Report == nil {
		fmt.Println("Not enough evidence in the literature to synthesise a report.")
		return nil
	}
	fmt.Print(renderReport(result.Report))
	return nil
}

func runPaperCheck(ctx context.Context, controller *pipeline.Controller, path string) error {
	title, abstract, err := readPaper(path)
	if err != nil {
		return err
	}
	slog.Info("Checking paper", "title", title)

	result, err := controller.CheckPaper(ctx, title, abstract, pipeline.PaperCheckOptions{})
	if err != nil {
		return err
	}

	fmt.Print(renderPaperCheck(result))
	return nil
}

// readPaper parses a paper file: the first line is the title, everything
// after the first blank separation is the abstract.
func readPaper(path string) (title, abstract string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading paper file: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", "", fmt.Errorf("paper file %s is empty", path)
	}
	title, abstract, found := strings.Cut(text, "\n")
	if !found || strings.TrimSpace(abstract) == "" {
		return "", "", fmt.Errorf("paper file %s needs a title line followed by the abstract", path)
	}
	return strings.TrimSpace(title), strings.TrimSpace(abstract), nil
}

func renderReport(report *models.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", report.UserQuestion)
	sb.WriteString(report.SynthesizedAnswer)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Evidence strength: %s (%d citations across %d documents)\n",
		report.EvidenceStrength, report.CitationCount, report.UniqueDocuments)
	if report.MethodologyNote != "" {
		fmt.Fprintf(&sb, "Methodology: %s\n", report.MethodologyNote)
	}
	sb.WriteString("\n## References\n\n")
	for _, ref := range report.References {
		fmt.Fprintf(&sb, "[%d] %s", ref.Number, ref.Title)
		if len(ref.Authors) > 0 {
			fmt.Fprintf(&sb, " — %s", strings.Join(ref.Authors, ", "))
		}
		if ref.PMID != "" {
			fmt.Fprintf(&sb, " (PMID %s)", ref.PMID)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderPaperCheck(result *pipeline.PaperCheckResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Paper check: %s\n\n", result.Title)
	fmt.Fprintf(&sb, "Overall: %s (confidence %s)\n%s\n\n",
		result.Overall.Label, result.Overall.Confidence, result.Overall.Summary)
	for i, check := range result.Checks {
		fmt.Fprintf(&sb, "## Statement %d\n\n%s\n\n", i+1, check.Statement.Text)
		fmt.Fprintf(&sb, "Verdict: %s (confidence %s)\n", check.Verdict.Outcome, check.Verdict.Confidence)
		fmt.Fprintf(&sb, "Rationale: %s\n", check.Verdict.Rationale)
		fmt.Fprintf(&sb, "Counter-evidence: %d documents retrieved, %d citations\n\n",
			len(check.Retrieved), len(check.Citations))
		if check.CounterReport != nil {
			fmt.Fprintf(&sb, "### Counter-evidence report\n\n%s\n\n", check.CounterReport.SynthesizedAnswer)
		}
	}
	return sb.String()
}

// logEvents mirrors pipeline and queue events onto the logger so a -verbose
// run shows progress as it happens.
func logEvents(bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for evt := range ch {
		switch evt.Type {
		case events.TypeStageStart, events.TypeStageEnd:
			slog.Info("Progress", "type", evt.Type, "data", evt.Data)
		default:
			slog.Debug("Event", "type", evt.Type, "message", evt.Message, "data", evt.Data)
		}
	}
}
