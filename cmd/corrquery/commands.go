package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"

	"github.com/tjfontaine/corrtrace/internal/config"
	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/engine"
	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/storage"
	"github.com/tjfontaine/corrtrace/internal/storage/elastic"
	"github.com/tjfontaine/corrtrace/internal/storage/memory"
)

const commandTimeout = 2 * time.Minute

type CLI struct {
	Config  string `short:"c" default:"config.yaml" help:"Path to the YAML configuration file"`
	Fixture string `type:"existingfile" help:"Query an NDJSON file of log events instead of Elasticsearch"`
	Now     string `help:"Evaluate time ranges relative to this RFC3339 instant"`
	JSON    bool   `help:"Output JSON instead of a table"`

	Correlations CorrelationsCmd `cmd:"" default:"withargs" help:"List correlations, newest first"`
	Count        CountCmd        `cmd:"" help:"Count log events in range"`
	Filters      FiltersCmd      `cmd:"" help:"List environments, organizations and domains in range"`
	Preview      PreviewCmd      `cmd:"" help:"Print the search body without running it"`
	Health       HealthCmd       `cmd:"" help:"Check log store reachability"`
}

// Globals is bound into every command's Run.
type Globals struct {
	*CLI
	Out io.Writer

	limits query.Limits
}

func (g *Globals) clock() (clock.Clock, error) {
	if g.Now == "" {
		return clock.New(), nil
	}
	t, err := time.Parse(time.RFC3339, g.Now)
	if err != nil {
		return nil, fmt.Errorf("--now: %w", err)
	}
	mock := clock.NewMock()
	mock.Set(t)
	return mock, nil
}

// engine opens the fixture when one is given and the configured cluster
// otherwise.
func (g *Globals) engine() (*engine.Engine, error) {
	clk, err := g.clock()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []engine.Option{engine.WithClock(clk), engine.WithLogger(logger)}

	if g.Fixture != "" {
		f, err := os.Open(g.Fixture)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		events, err := memory.ReadEvents(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.Fixture, err)
		}
		g.limits = query.DefaultLimits()
		return engine.New(memory.New(events), opts...), nil
	}

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	store, err := elastic.New(elastic.Config{
		Addresses: cfg.Elastic.Addresses,
		CloudID:   cfg.Elastic.CloudID,
		APIKey:    cfg.Elastic.APIKey,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		Index:     cfg.Elastic.Index,
	},
		elastic.WithTimeout(cfg.Elastic.Timeout),
		elastic.WithGrace(cfg.Elastic.Grace),
		elastic.WithRetries(cfg.Elastic.MaxAttempts, cfg.Elastic.RetryBackoff),
		elastic.WithPushdown(cfg.Elastic.Pushdown),
		elastic.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	g.limits = cfg.Query.Limits()
	opts = append(opts,
		engine.WithFields(cfg.Elastic.Fields),
		engine.WithWindow(cfg.Query.Window),
		engine.WithFacetSize(cfg.Query.FacetSize),
	)
	return engine.New(store, opts...), nil
}

func (g *Globals) writeJSON(v any) error {
	enc := json.NewEncoder(g.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FilterFlags mirror the dashboard's query parameters.
type FilterFlags struct {
	TimeRange     string `short:"t" default:"1h" help:"Look-back window, e.g. 15m, 24h, 7d"`
	Environment   string `short:"e" help:"Exact environment"`
	Application   string `short:"a" help:"Application name substring"`
	InterfaceID   string `name:"interface-id" help:"Interface id substring"`
	Organization  string `help:"Exact organization"`
	Domain        string `help:"Exact interface domain"`
	CorrelationID string `name:"correlation-id" help:"Correlation id substring"`
	Search        string `short:"s" help:"Substring across correlation id, application and interface"`
	Status        string `help:"Lifecycle status: success, in_progress, failed or unknown"`
	PageSize      int    `short:"n" help:"Correlations per page"`
	LastKey       string `help:"Continue after this page key"`
}

func (f FilterFlags) spec(limits query.Limits) (domain.FilterSpec, error) {
	values := url.Values{}
	set := func(k, v string) {
		if v != "" {
			values.Set(k, v)
		}
	}
	set(query.ParamTimeRange, f.TimeRange)
	set(query.ParamEnvironment, f.Environment)
	set(query.ParamApplication, f.Application)
	set(query.ParamInterfaceID, f.InterfaceID)
	set(query.ParamOrganization, f.Organization)
	set(query.ParamDomain, f.Domain)
	set(query.ParamCorrelationID, f.CorrelationID)
	set(query.ParamSearch, f.Search)
	set(query.ParamStatus, f.Status)
	set(query.ParamLastKey, f.LastKey)
	if f.PageSize != 0 {
		values.Set(query.ParamPageSize, strconv.Itoa(f.PageSize))
	}
	return query.ParseFilter(values, limits)
}

type CorrelationsCmd struct {
	FilterFlags `embed:""`
}

func (c *CorrelationsCmd) Run(g *Globals) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	spec, err := c.spec(g.limits)
	if err != nil {
		return err
	}
	page, err := eng.Correlations(ctx, spec)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.writeJSON(page)
	}

	table := tablewriter.NewWriter(g.Out)
	table.Header("Correlation ID", "Status", "Start", "Elapsed", "Applications", "Events")
	for _, s := range page.Data {
		if err := table.Append([]string{
			s.CorrelationID,
			string(s.Status),
			formatTime(s.StartTime),
			formatElapsed(s.ElapsedMs),
			formatApplications(s.Applications),
			strconv.FormatInt(s.EventCount, 10),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(g.Out, "%d of %d correlations", len(page.Data), page.Total)
	if page.Truncated {
		fmt.Fprintf(g.Out, " (window truncated, %d in range)", page.TotalCorrelations)
	}
	if page.Partial {
		fmt.Fprint(g.Out, " (partial results)")
	}
	fmt.Fprintln(g.Out)
	if page.NextKey != nil {
		fmt.Fprintf(g.Out, "next: --last-key %s\n", *page.NextKey)
	}
	return nil
}

type CountCmd struct {
	TimeRange   string `short:"t" default:"24h" help:"Look-back window"`
	Environment string `short:"e" help:"Exact environment"`
}

func (c *CountCmd) Run(g *Globals) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	n, _, err := eng.Count(ctx, c.TimeRange, c.Environment)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.writeJSON(map[string]int64{"count": n})
	}
	fmt.Fprintln(g.Out, n)
	return nil
}

type FiltersCmd struct {
	TimeRange string `short:"t" default:"24h" help:"Look-back window"`
}

func (c *FiltersCmd) Run(g *Globals) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	f, err := eng.Facets(ctx, c.TimeRange)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.writeJSON(f)
	}

	table := tablewriter.NewWriter(g.Out)
	table.Header("Facet", "Value", "Events")
	for _, group := range []struct {
		name  string
		terms []storage.TermCount
	}{
		{"environment", f.Environments},
		{"organization", f.Organizations},
		{"domain", f.Domains},
	} {
		for _, t := range group.terms {
			if err := table.Append([]string{group.name, t.Value, strconv.FormatInt(t.Count, 10)}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

type PreviewCmd struct {
	FilterFlags `embed:""`
}

func (c *PreviewCmd) Run(g *Globals) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	spec, err := c.spec(g.limits)
	if err != nil {
		return err
	}
	p, err := eng.Preview(spec)
	if err != nil {
		return err
	}
	return g.writeJSON(p)
}

type HealthCmd struct{}

func (c *HealthCmd) Run(g *Globals) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	report := eng.Health(ctx)
	if g.JSON {
		if err := g.writeJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(g.Out, "status: %s\n", report.Status)
		if report.ClusterInfo != nil {
			fmt.Fprintf(g.Out, "cluster: %s (%d nodes)\n", report.ClusterInfo.ClusterName, report.ClusterInfo.NumberOfNodes)
		}
		if report.IndexInfo != nil {
			fmt.Fprintf(g.Out, "index: %s (%d/%d shards)\n", report.IndexInfo.Index, report.IndexInfo.SuccessfulShards, report.IndexInfo.TotalShards)
		}
		if report.Error != "" {
			fmt.Fprintf(g.Out, "error: %s\n", report.Error)
		}
	}
	if !report.Available {
		return fmt.Errorf("log store unavailable")
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatElapsed(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func formatApplications(apps []domain.ApplicationCount) string {
	names := make([]string, 0, len(apps))
	for _, a := range apps {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}
