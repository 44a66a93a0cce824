// chroniclectl is an interactive inspection shell for a chronicle data
// directory. It opens the correlation store read-only and never
// modifies the ledger, so it is safe to run against a live daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/export"
	"github.com/veraxon/chronicle/internal/keys"
	"github.com/veraxon/chronicle/internal/ledger"
	"github.com/veraxon/chronicle/internal/types"
	"github.com/veraxon/chronicle/internal/verify"
)

// Version is set at build time via ldflags
var Version = "dev"

type shell struct {
	store    *correlation.Store
	resolver *keys.Resolver
	reader   *ledger.Reader
	verifier *verify.Verifier
	exporter *export.Exporter
}

func main() {
	dataDir := flag.String("data-dir", "/var/lib/chronicle", "chronicle data directory")
	dbPath := flag.String("db", "", "correlation database path (defaults to {data-dir}/chronicle.db)")
	ledgerDir := flag.String("ledger-dir", "", "ledger directory (defaults to {data-dir}/ledger)")
	flag.Parse()

	db := *dbPath
	if db == "" {
		db = filepath.Join(*dataDir, "chronicle.db")
	}
	ld := *ledgerDir
	if ld == "" {
		ld = filepath.Join(*dataDir, "ledger")
	}

	store, err := correlation.Open(db, correlation.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	resolver := keys.NewResolver(store.DB())
	reader := ledger.NewReader(ld)
	verifier := verify.New(reader, resolver)

	sh := &shell{
		store:    store,
		resolver: resolver,
		reader:   reader,
		verifier: verifier,
		exporter: export.New(reader, verifier),
	}

	fmt.Printf("chroniclectl %s (data dir: %s)\n", Version, *dataDir)
	fmt.Println("Type 'help' for commands, 'exit' to quit.")

	p := prompt.New(sh.execute, completer,
		prompt.OptionTitle("chroniclectl"),
		prompt.OptionPrefix("chronicle> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
	)
	p.Run()
}

var commands = []prompt.Suggest{
	{Text: "verify", Description: "verify ledger integrity: verify [start [end]]"},
	{Text: "export", Description: "export entries: export <cbor|ndjson|parquet> <file> [start [end]]"},
	{Text: "query", Description: "query records: query <category> [limit]"},
	{Text: "keys", Description: "list signing keys"},
	{Text: "periods", Description: "list consolidation periods: periods <basic|extensive|profound>"},
	{Text: "stats", Description: "store and ledger statistics"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "quit"},
}

func completer(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func (s *shell) execute(line string) {
	args := strings.Fields(strings.TrimSpace(line))
	if len(args) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch args[0] {
	case "verify":
		err = s.cmdVerify(ctx, args[1:])
	case "export":
		err = s.cmdExport(ctx, args[1:])
	case "query":
		err = s.cmdQuery(ctx, args[1:])
	case "keys":
		err = s.cmdKeys(ctx)
	case "periods":
		err = s.cmdPeriods(ctx, args[1:])
	case "stats":
		err = s.cmdStats(ctx)
	case "help":
		s.cmdHelp()
	case "exit", "quit":
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", args[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *shell) cmdHelp() {
	for _, c := range commands {
		fmt.Printf("  %-8s %s\n", c.Text, c.Description)
	}
}

func parseRange(args []string) (start, end uint64, err error) {
	start, end = 0, ledger.HeadSeq
	if len(args) > 0 {
		if start, err = strconv.ParseUint(args[0], 10, 64); err != nil {
			return 0, 0, fmt.Errorf("bad start seq %q", args[0])
		}
	}
	if len(args) > 1 {
		if end, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return 0, 0, fmt.Errorf("bad end seq %q", args[1])
		}
	}
	return start, end, nil
}

func (s *shell) cmdVerify(ctx context.Context, args []string) error {
	start, end, err := parseRange(args)
	if err != nil {
		return err
	}

	began := time.Now()
	report, err := s.verifier.VerifyRange(ctx, start, end)
	if err != nil {
		return err
	}

	if report.Valid {
		fmt.Printf("OK: %d entries verified in %s\n", report.Checked, time.Since(began).Round(time.Millisecond))
		return nil
	}
	fmt.Printf("BROKEN at seq %d after %d valid entries\n", *report.FirstBreak, report.Checked)
	fmt.Printf("  %s\n", report.Reason)
	return nil
}

func (s *shell) cmdExport(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: export <cbor|ndjson|parquet> <file> [start [end]]")
	}
	format, err := export.ParseFormat(args[0])
	if err != nil {
		return err
	}
	start, end, err := parseRange(args[2:])
	if err != nil {
		return err
	}

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := s.exporter.Export(ctx, f, start, end, format)
	if err != nil {
		return err
	}

	fmt.Printf("exported %d entries to %s\n", res.Exported, args[1])
	if res.FirstBreak != nil {
		fmt.Printf("WARNING: chain breaks at seq %d, entries from there on were not exported\n", *res.FirstBreak)
		fmt.Printf("  %s\n", res.Reason)
	}
	return nil
}

func (s *shell) cmdQuery(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: query <category> [limit]")
	}
	cat, err := types.ParseCategory(args[0])
	if err != nil {
		return err
	}
	limit := 20
	if len(args) > 1 {
		if limit, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("bad limit %q", args[1])
		}
	}

	it, err := s.store.Query(ctx, correlation.QueryParams{Category: cat, Limit: limit})
	if err != nil {
		return err
	}
	recs, err := it.Collect()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Timestamp", "Level", "Value", "Text"})
	for _, r := range recs {
		value := ""
		if r.HasValue {
			value = strconv.FormatFloat(r.Value, 'g', 6, 64)
		}
		text := r.TextValue
		if len(text) > 48 {
			text = text[:48] + "…"
		}
		table.Append([]string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Level.String(),
			value,
			text,
		})
	}
	table.Render()
	fmt.Printf("%d records\n", len(recs))
	return nil
}

func (s *shell) cmdKeys(ctx context.Context) error {
	list, err := s.resolver.List(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key ID", "Created", "Status"})
	for _, k := range list {
		status := "active"
		if k.RetiredAt != nil {
			status = "retired " + k.RetiredAt.UTC().Format(time.RFC3339)
		}
		table.Append([]string{k.ID, k.CreatedAt.UTC().Format(time.RFC3339), status})
	}
	table.Render()
	return nil
}

func (s *shell) cmdPeriods(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: periods <basic|extensive|profound>")
	}
	tier, err := types.ParseLevel(args[0])
	if err != nil {
		return err
	}

	periods, err := s.store.ListPeriods(ctx, tier)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Period Start", "Period End", "Status", "Completed At"})
	for _, p := range periods {
		completed := ""
		if !p.CompletedAt.IsZero() {
			completed = p.CompletedAt.UTC().Format(time.RFC3339)
		}
		table.Append([]string{
			p.PeriodStart.UTC().Format(time.RFC3339),
			p.PeriodEnd.UTC().Format(time.RFC3339),
			string(p.Status),
			completed,
		})
	}
	table.Render()
	return nil
}

func (s *shell) cmdStats(ctx context.Context) error {
	counts, err := s.store.CountByLevel(ctx)
	if err != nil {
		return err
	}

	levels := make([]types.Level, 0, len(counts))
	for l := range counts {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Level", "Records", "Earliest"})
	for _, l := range levels {
		earliest := ""
		if ts, err := s.store.EarliestTimestamp(ctx, l); err == nil && !ts.IsZero() {
			earliest = ts.UTC().Format(time.RFC3339)
		}
		table.Append([]string{l.String(), strconv.FormatInt(counts[l], 10), earliest})
	}
	table.Render()

	if head, ok, err := s.reader.Head(); err == nil && ok {
		fmt.Printf("ledger head: seq %d\n", head)
	}
	if usage, err := s.store.DiskUsage(); err == nil {
		fmt.Printf("database size: %.1f MB\n", float64(usage)/(1024*1024))
	}
	return nil
}
