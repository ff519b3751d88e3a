package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/thomjeff/run-density-sub007/internal/course"
	"github.com/thomjeff/run-density-sub007/internal/emit"
	"github.com/thomjeff/run-density-sub007/internal/pipeline"
)

// jobEntry mirrors the teacher worker's CLI dispatch table (main.go's
// `worker run <job-name>`): a small set of named subcommands rather
// than a flag-parsing framework.
type jobEntry struct {
	name string
	fn   func(ctx context.Context, args []string) error
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Println("[analyzer] shutdown signal received")
		cancel()
	}()

	jobs := []jobEntry{
		{name: "run", fn: runAnalysis},
		{name: "validate", fn: validateCourse},
	}

	if len(os.Args) < 2 {
		log.Printf("Usage: analyzer <command> [args]")
		log.Printf("Available commands:")
		for _, j := range jobs {
			log.Printf("  - %s", j.name)
		}
		os.Exit(1)
	}

	cmd := os.Args[1]
	var target *jobEntry
	for i := range jobs {
		if jobs[i].name == cmd {
			target = &jobs[i]
			break
		}
	}
	if target == nil {
		log.Fatalf("FATAL: unknown command %q", cmd)
	}

	if err := target.fn(ctx, os.Args[2:]); err != nil {
		log.Fatalf("FATAL: %s failed: %v", target.name, err)
	}
}

// runAnalysis wires the full pipeline for a request directory laid out
// as: <dir>/request.json, <dir>/segments.csv, <dir>/flow.csv,
// <dir>/{event}_runners.csv, optional <dir>/los_rulebook.json.
func runAnalysis(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: analyzer run <request-dir> [out-dir]")
	}
	dir := args[0]
	outDir := "./out"
	if len(args) >= 2 {
		outDir = args[1]
	}

	reqFile, err := os.Open(filepath.Join(dir, "request.json"))
	if err != nil {
		return fmt.Errorf("open request.json: %w", err)
	}
	defer reqFile.Close()

	req, err := pipeline.DecodeRequest(reqFile)
	if err != nil {
		return err
	}

	segFile, err := os.Open(filepath.Join(dir, "segments.csv"))
	if err != nil {
		return fmt.Errorf("open segments.csv: %w", err)
	}
	defer segFile.Close()

	flowFile, err := os.Open(filepath.Join(dir, "flow.csv"))
	if err != nil {
		return fmt.Errorf("open flow.csv: %w", err)
	}
	defer flowFile.Close()

	dayDate := make(map[string]time.Time, len(req.Events))
	runnersR := make(map[string]io.Reader, len(req.Events))
	var closers []*os.File
	defer func() {
		for _, f := range closers {
			f.Close()
		}
	}()

	for _, e := range req.Events {
		f, err := os.Open(filepath.Join(dir, e.RunnersFile))
		if err != nil {
			return fmt.Errorf("open %s: %w", e.RunnersFile, err)
		}
		closers = append(closers, f)
		runnersR[e.Name] = f
		if _, ok := dayDate[e.Day]; !ok {
			dayDate[e.Day] = time.Now().UTC()
		}
	}

	var rulebookR io.Reader
	if f, err := os.Open(filepath.Join(dir, "los_rulebook.json")); err == nil {
		closers = append(closers, f)
		rulebookR = f
	}

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	writer := emit.NewWriter(outDir)

	results, err := pipeline.Run(ctx, runID, req, segFile, flowFile, runnersR, dayDate, rulebookR, writer, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	printSummary(results)
	return nil
}

func printSummary(results []pipeline.DayResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"day", "status", "bins", "windows", "flow pairs", "audit rows", "coarsen steps"})
	for _, r := range results {
		status := "OK"
		if r.Err != nil {
			status = "FAIL: " + r.Err.Error()
		}
		flowPairs := 0
		auditRows := 0
		if r.Flow != nil {
			flowPairs = len(r.Flow.Summaries)
			auditRows = len(r.Flow.Audits)
		}
		table.Append([]string{
			r.Day, status,
			fmt.Sprintf("%d", len(r.Bins)),
			fmt.Sprintf("%d", len(r.Windows)),
			fmt.Sprintf("%d", flowPairs),
			fmt.Sprintf("%d", auditRows),
			fmt.Sprintf("%d", r.Coarsened),
		})
	}
	table.Render()
}

// validateCourse loads and validates segments.csv/flow.csv in isolation,
// for CI checks against a course definition before wiring a full request.
func validateCourse(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: analyzer validate <course-dir>")
	}
	dir := args[0]

	segFile, err := os.Open(filepath.Join(dir, "segments.csv"))
	if err != nil {
		return fmt.Errorf("open segments.csv: %w", err)
	}
	defer segFile.Close()
	segments, err := course.LoadSegments(segFile)
	if err != nil {
		return err
	}

	flowFile, err := os.Open(filepath.Join(dir, "flow.csv"))
	if err != nil {
		return fmt.Errorf("open flow.csv: %w", err)
	}
	defer flowFile.Close()
	pairs, err := course.LoadFlowPairs(flowFile)
	if err != nil {
		return err
	}

	log.Printf("[validate] %d segments, %d flow pairs loaded OK", len(segments), len(pairs))
	return nil
}
