package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/inittree/pkg/config"
	"github.com/openfroyo/inittree/pkg/engine"
	"github.com/openfroyo/inittree/pkg/policy"
	"github.com/openfroyo/inittree/pkg/stores"
	"github.com/openfroyo/inittree/pkg/telemetry"
)

type resolveOptions struct {
	file           string
	cacheKey       string
	noCache        bool
	policyPaths    []string
	requiredLabels []string
	metricsOut     string
	trace          string
	otlpEndpoint   string
	environment    string
}

func newResolveCommand(root *rootOptions) *cobra.Command {
	ro := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Construct every component of a manifest",
		Long: `Resolve a component manifest: evaluate policies, replay the cached
construction order when one is stored, build every component exactly once
and print the instances in construction order.

The rebuilt construction order is stored under the cache key and the run is
recorded in the store with its event timeline.`,
		Example: `  # Resolve a manifest
  inittree resolve -f components.yaml

  # Use a named cache and extra policies
  inittree resolve -f components.cue --cache-key web --policy ./policies

  # Write metrics for the node-exporter textfile collector
  inittree resolve -f components.yaml --metrics-out /var/lib/node_exporter/inittree.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), cmd.OutOrStdout(), root, ro)
		},
	}

	cmd.Flags().StringVarP(&ro.file, "file", "f", "", "manifest file (.yaml, .json or .cue)")
	cmd.Flags().StringVar(&ro.cacheKey, "cache-key", "", "cache key (default: manifest cache key or name)")
	cmd.Flags().BoolVar(&ro.noCache, "no-cache", false, "do not replay or store a construction order")
	cmd.Flags().StringSliceVar(&ro.policyPaths, "policy", nil, "policy files or directories")
	cmd.Flags().StringSliceVar(&ro.requiredLabels, "required-label", nil, "label every component must carry")
	cmd.Flags().StringVar(&ro.metricsOut, "metrics-out", "", "write Prometheus metrics to this file")
	cmd.Flags().StringVar(&ro.trace, "trace", "", "trace exporter: stdout, otlp or none (default none, or INITTREE_TRACE_EXPORTER)")
	cmd.Flags().StringVar(&ro.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint")
	cmd.Flags().StringVar(&ro.environment, "environment", "", "environment reported to policies")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// resolvedInstance is one constructed component in resolve output.
type resolvedInstance struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type resolveReport struct {
	RunID        string              `json:"run_id"`
	Manifest     string              `json:"manifest"`
	Fingerprint  string              `json:"fingerprint"`
	CacheKey     string              `json:"cache_key,omitempty"`
	CacheOutcome engine.CacheOutcome `json:"cache_outcome"`
	CacheCorrect bool                `json:"cache_correct"`
	Warnings     []policy.Violation  `json:"warnings,omitempty"`
	Instances    []resolvedInstance  `json:"instances"`
}

func newResolveTelemetry(root *rootOptions, ro *resolveOptions) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if root.version != "" {
		cfg.ServiceVersion = root.version
	}
	if root.logLevel != "" {
		cfg.Logging.Level = root.logLevel
	}
	if ro.environment != "" {
		cfg.Environment = ro.environment
	}
	if ro.trace != "" {
		cfg.Tracing.Exporter = ro.trace
		cfg.Tracing.Enabled = ro.trace != "none"
	}
	if ro.otlpEndpoint != "" {
		cfg.Tracing.Endpoint = ro.otlpEndpoint
	}
	cfg.Metrics.TextfilePath = ro.metricsOut
	return telemetry.NewTelemetry(cfg)
}

func runResolve(ctx context.Context, out io.Writer, root *rootOptions, ro *resolveOptions) (err error) {
	tel, err := newResolveTelemetry(root, ro)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return err
	}
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	op := telemetry.StartOperation(ctx, "resolve", telemetry.AttrManifest.String(ro.file))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	proj, err := loadProject(ctx, logger, ro.file)
	if err != nil {
		return err
	}
	m := proj.manifest

	cacheKey := ro.cacheKey
	if cacheKey == "" {
		cacheKey = m.CacheKey()
	}
	caching := !ro.noCache && (ro.cacheKey != "" || m.CacheEnabled())
	if caching {
		op.Span.SetAttributes(telemetry.AttrCacheKey.String(cacheKey))
	}

	store, err := openStore(ctx, root.storePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	caches, err := cacheStore(root, store)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	tree, regErr := proj.newTree(append(tel.EngineOptions(runID), engine.WithCaching(caching))...)

	run := &stores.Run{
		ID:          runID,
		Manifest:    m.Source,
		Fingerprint: tree.Fingerprint(),
	}
	if caching {
		run.CacheKey = &cacheKey
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return err
	}
	tel.Events.Subscribe(persistEvents(ctx, store, logger), telemetry.FilterByRunID(runID))
	ctx = telemetry.WithRunContext(ctx, runID, m.Source)

	started := time.Now()
	finish := func(res *engine.Result, cause error) error {
		outcome := stores.RunOutcome{
			Status:       engine.ResolutionStatusSucceeded,
			CacheOutcome: tree.CacheOutcome(),
			CacheCorrect: tree.CacheWasCorrect(),
			Err:          cause,
			Duration:     time.Since(started),
		}
		if cause != nil {
			outcome.Status = engine.ResolutionStatusFailed
		}
		if res != nil {
			outcome.Constructed = res.Len()
		}
		if err := store.CompleteRun(ctx, runID, outcome); err != nil {
			logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record run outcome")
		}
		return cause
	}

	if regErr != nil {
		return finish(nil, regErr)
	}

	pctx, span := tel.Tracer.StartPhaseSpan(ctx, "policy", runID)
	verdict, err := checkPolicies(pctx, tel, proj, ro, runID, logger)
	telemetry.EndSpan(span, err)
	if err != nil {
		return finish(nil, err)
	}

	if caching {
		if err := loadStoredCache(ctx, caches, tree, cacheKey, logger); err != nil {
			return finish(nil, err)
		}
	}

	res, err := tree.Resolve(ctx)
	if err != nil {
		for id, msg := range proj.compiler.Failures() {
			logger.Error().Str("component", id).Str("error", msg).Msg("Component script failed")
		}
		return finish(nil, err)
	}

	report := resolveReport{
		RunID:        runID,
		Manifest:     m.Name,
		Fingerprint:  run.Fingerprint,
		CacheOutcome: tree.CacheOutcome(),
		CacheCorrect: tree.CacheWasCorrect(),
		Warnings:     verdict.Warnings,
		Instances:    make([]resolvedInstance, 0, res.Len()),
	}
	for _, id := range res.Order() {
		v, _ := res.TakeByIdentity(id)
		inst := resolvedInstance{ID: componentID(id), Name: proj.displayName(id), Value: v}
		if ci, ok := v.(*config.Instance); ok {
			inst.Value = ci.Value
		}
		report.Instances = append(report.Instances, inst)
	}

	if caching {
		report.CacheKey = cacheKey
		sctx, span := tel.Tracer.StartPhaseSpan(ctx, "store", runID)
		err := storeCache(sctx, caches, tel.Events, tree, runID, cacheKey, run.Fingerprint)
		telemetry.EndSpan(span, err)
		if err != nil {
			return finish(res, err)
		}
	}

	if err := finish(res, nil); err != nil {
		return err
	}

	if root.jsonOutput {
		return writeJSON(out, report)
	}
	printResolveReport(out, &report)
	return nil
}

// checkPolicies evaluates the manifest policies and publishes every
// violation. Denials are returned as a PolicyDenied error.
func checkPolicies(ctx context.Context, tel *telemetry.Telemetry, proj *project, ro *resolveOptions, runID string, logger zerolog.Logger) (*policy.Result, error) {
	pe, err := newPolicyEngine(ctx, logger, ro.policyPaths, tel.Metrics)
	if err != nil {
		return nil, err
	}
	verdict, err := proj.evaluatePolicies(ctx, pe, policy.InputContext{
		RunID:          runID,
		Environment:    tel.Config.Environment,
		RequiredLabels: ro.requiredLabels,
	})
	if err != nil {
		return nil, err
	}
	for _, v := range verdict.All() {
		if err := tel.Events.PublishPolicyViolation(ctx, runID, policyComponent(v), v.Policy, v.Message); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish policy violation")
		}
	}
	for _, msg := range verdict.Errors {
		logger.Warn().Str("error", msg).Msg("Policy evaluation error")
	}
	if err := policy.Check(verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

// policyComponent maps a violation to the identity events are filed under.
func policyComponent(v policy.Violation) engine.Identity {
	if v.Component == "" {
		return ""
	}
	return config.ComponentIdentity(v.Component)
}

// persistEvents returns a subscriber that appends events to the store.
func persistEvents(ctx context.Context, store stores.Store, logger zerolog.Logger) telemetry.EventSubscriber {
	return func(event engine.Event) {
		rec, err := stores.NewEvent(event)
		if err == nil {
			err = store.AppendEvent(ctx, rec)
		}
		if err != nil {
			logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to persist event")
		}
	}
}

// loadStoredCache loads the cache stored under key into tree. A cache taken
// from a different graph is still loaded; replay detects the divergence.
func loadStoredCache(ctx context.Context, store stores.CacheStore, tree *engine.Tree, key string, logger zerolog.Logger) error {
	rec, err := store.GetCache(ctx, key)
	if errors.Is(err, engine.ErrNotFound) {
		logger.Debug().Str("cache_key", key).Msg("No stored cache")
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Matches(tree.Fingerprint()) {
		logger.Info().Str("cache_key", key).Msg("Stored cache was taken from a different graph")
	}
	tree.LoadCache(rec.Cache)
	return nil
}

func storeCache(ctx context.Context, store stores.CacheStore, events *telemetry.EventPublisher, tree *engine.Tree, runID, key, fingerprint string) error {
	c := tree.TakeCache()
	if c == nil {
		return nil
	}
	if err := store.PutCache(ctx, &stores.CacheRecord{Key: key, Fingerprint: fingerprint, Cache: c}); err != nil {
		return err
	}
	return events.PublishCacheStored(ctx, runID, key, c.Len())
}

func printResolveReport(w io.Writer, r *resolveReport) {
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Manifest)
	if r.CacheKey != "" {
		fmt.Fprintf(w, "cache %s: %s\n", r.CacheKey, r.CacheOutcome)
	}
	printViolations(w, "warning", r.Warnings)
	for i, inst := range r.Instances {
		fmt.Fprintf(w, "%3d  %-24s %s\n", i+1, inst.ID, formatValue(inst.Value))
	}
}
