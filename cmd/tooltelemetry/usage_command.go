package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/auth"
	"github.com/ongoingai/tooltelemetry/internal/otlp"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/usage"
)

const defaultUsageFormat = "text"
const defaultSampleService = "claude-code"

var usageNow = time.Now

func runUsage(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("usage", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	profileID := flagSet.String("profile", "", "Tool profile id")
	customerID := flagSet.String("customer", auth.DefaultCustomerID, "Customer id owning the profile")
	format := flagSet.String("format", defaultUsageFormat, "Output format: text or json")
	sample := flagSet.String("sample", "", "Print a sample OTLP/JSON payload: traces or metrics")
	service := flagSet.String("service", defaultSampleService, "service.name used by --sample")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "usage does not accept positional arguments")
		return 2
	}

	if strings.TrimSpace(*sample) != "" {
		return writeSamplePayload(out, errOut, *sample, *service)
	}

	if strings.TrimSpace(*profileID) == "" {
		fmt.Fprintln(errOut, "usage requires --profile or --sample")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("usage", *format, defaultUsageFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeStoreWithWarning(store, errOut)

	ctx := context.Background()
	customer := strings.TrimSpace(*customerID)
	id := strings.TrimSpace(*profileID)
	profile, err := store.GetToolProfile(ctx, customer, id)
	if errors.Is(err, telemetry.ErrNotFound) {
		fmt.Fprintf(errOut, "tool profile %q not found for customer %q\n", id, customer)
		return 1
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to load tool profile: %v\n", err)
		return 1
	}

	engine := usage.NewEngine(store, usageOptions(cfg.Usage))
	report, err := engine.ComputeUsage(ctx, usage.Request{
		CustomerID:    customer,
		ToolProfileID: id,
		Now:           usageNow(),
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to compute usage: %v\n", err)
		return 1
	}

	doc := usageDocument{Profile: *profile, Report: report}
	if normalizedFormat == "json" {
		err = writeUsageJSON(out, doc)
	} else {
		err = writeUsageText(out, doc)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write usage report: %v\n", err)
		return 1
	}
	return 0
}

type usageDocument struct {
	Profile telemetry.ToolProfile `json:"profile"`
	Report  usage.Report          `json:"usage"`
}

func writeSamplePayload(out io.Writer, errOut io.Writer, signal, service string) int {
	now := usageNow()
	var (
		body []byte
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case telemetry.SignalTraces:
		body, err = otlp.SampleTraces(service, now)
	case telemetry.SignalMetrics:
		body, err = otlp.SampleMetrics(service, now)
	default:
		fmt.Fprintf(errOut, "invalid sample %q: expected traces or metrics\n", signal)
		return 2
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to build sample: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, string(body))
	return 0
}

func writeUsageJSON(out io.Writer, doc usageDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeUsageText(out io.Writer, doc usageDocument) error {
	fmt.Fprintf(out, "Usage for %s (%s)\n", doc.Profile.DisplayName, doc.Profile.VendorSlug)

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Profile id\t%s\n", doc.Profile.ID)
	fmt.Fprintf(metadataWriter, "Customer\t%s\n", doc.Profile.CustomerID)
	fmt.Fprintf(metadataWriter, "Category\t%s\n", doc.Profile.Category)
	fmt.Fprintf(metadataWriter, "Source\t%s\n", doc.Report.Source)
	fmt.Fprintf(metadataWriter, "Window\t%s .. %s\n", doc.Report.Window.From.Format(time.RFC3339), doc.Report.Window.To.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Lifetime spans\t%d\n", doc.Profile.TotalSpans)
	fmt.Fprintf(metadataWriter, "Lifetime errors\t%d\n", doc.Profile.TotalErrors)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	totals := doc.Report.Totals
	fmt.Fprintln(out, "\nTotals")
	totalsWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(totalsWriter, "Requests\t%d\n", totals.Requests)
	fmt.Fprintf(totalsWriter, "Errors\t%d\n", totals.Errors)
	fmt.Fprintf(totalsWriter, "Error rate\t%.4f\n", totals.ErrorRate)
	fmt.Fprintf(totalsWriter, "Input tokens\t%d\n", totals.InputTokens)
	fmt.Fprintf(totalsWriter, "Output tokens\t%d\n", totals.OutputTokens)
	fmt.Fprintf(totalsWriter, "Avg duration (ms)\t%.2f\n", totals.AvgDurationMs)
	fmt.Fprintf(totalsWriter, "Avg tokens/sec\t%.2f\n", totals.AvgTokensPerSec)
	if err := totalsWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nModels")
	if len(doc.Report.ModelUsage) == 0 {
		fmt.Fprintln(out, "(no model data)")
	} else {
		modelWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(modelWriter, "MODEL\tREQUESTS\tERRORS\tINPUT_TOKENS\tOUTPUT_TOKENS")
		for _, row := range doc.Report.ModelUsage {
			fmt.Fprintf(modelWriter, "%s\t%d\t%d\t%d\t%d\n", row.Model, row.Requests, row.Errors, row.InputTokens, row.OutputTokens)
		}
		if err := modelWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nLatency")
	if len(doc.Report.ModelLatency) == 0 {
		fmt.Fprintln(out, "(no latency data)")
		return nil
	}
	latencyWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(latencyWriter, "MODEL\tSAMPLES\tP50_MS\tP95_MS\tP99_MS\tAVG_MS")
	for _, row := range doc.Report.ModelLatency {
		fmt.Fprintf(latencyWriter, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n", row.Model, row.Samples, row.P50Ms, row.P95Ms, row.P99Ms, row.AvgMs)
	}
	return latencyWriter.Flush()
}
