package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	esmemory "github.com/freedeepresearch/eventcore/eventstore/memory"
	esmysql "github.com/freedeepresearch/eventcore/eventstore/mysql"
	essqlite "github.com/freedeepresearch/eventcore/eventstore/sqlite"
	"github.com/freedeepresearch/eventcore/readmodel"
	rmmemory "github.com/freedeepresearch/eventcore/readmodel/memory"
	rmredis "github.com/freedeepresearch/eventcore/readmodel/redis"
	"github.com/freedeepresearch/eventcore/replay"
)

var (
	storeFlag      = flag.String("store", "sqlite", "event store to use: memory, sqlite, mysql")
	readModelsFlag = flag.String("readmodels", "memory", "read-model store to use: memory, redis")
	redisAddr      = flag.String("redis", "localhost:6379", "redis address for -readmodels redis")
	otlpEndpoint   = flag.String("otlp", "", "OTLP HTTP endpoint to ship traces to (empty: stdout only)")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	tp, err := newTracerProvider(ctx)
	if err != nil {
		panic(err)
	}
	defer tp.Shutdown(context.Background())

	store := newEventStore(logger, tp)
	defer store.Close()

	readModels := newReadModelStore()

	service, err := cqrs.NewServiceBuilder().
		WithEventStore(store).
		WithReadModelStore(readModels).
		WithOptions(
			cqrs.WithLogger(logger),
			cqrs.WithTracerProvider(tp),
		).
		WithWorkflowDefaults().
		Build()
	if err != nil {
		panic(err)
	}

	if err := service.StartProjections(ctx); err != nil {
		panic(err)
	}
	defer service.StopProjections()

	go service.QueryBus().StartEviction(ctx)

	// Every command issued under this context inherits one correlation id, so
	// the whole run reads as a single logical operation in the event log.
	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	log.Println("correlation id for this run:", correlationID)

	workflowID := runResearchWorkflow(ctx, service)

	waitForWorkflow(ctx, service, workflowID, readmodel.WorkflowStatusCompleted)

	printWorkflow(ctx, service, workflowID)
	printStats(ctx, service)
	printHistory(ctx, store, workflowID)

	rebuildReadModels(ctx, service, store, readModels)
	printWorkflow(ctx, service, workflowID)

	health := service.HealthCheck(ctx)
	log.Println("healthy:", health.OverallHealthy)

	m := service.Metrics()
	log.Printf("metrics: commands=%d queries=%d projected=%d cache hits=%d misses=%d",
		m.CommandsExecuted, m.QueriesExecuted, m.EventsProjected, m.CacheHits, m.CacheMisses)
}

func newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("eventcore research sample"),
		semconv.ServiceVersionKey.String("v0.1.0"),
		attribute.String("environment", "sample"),
	)

	stdoutexp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSyncer(stdoutexp),
		sdktrace.WithResource(r),
	}

	if *otlpEndpoint != "" {
		oclient := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(*otlpEndpoint), otlptracehttp.WithInsecure())
		exp, err := otlptrace.New(ctx, oclient)
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func newEventStore(logger *slog.Logger, tp *sdktrace.TracerProvider) eventstore.Store {
	storeOpts := []eventstore.StoreOption{
		eventstore.WithLogger(logger),
		eventstore.WithTracerProvider(tp),
		eventstore.WithSnapshotFrequency(10),
	}

	switch *storeFlag {
	case "memory":
		return esmemory.NewStore(storeOpts...)

	case "sqlite":
		return essqlite.NewStore("research.sqlite", essqlite.WithStoreOptions(storeOpts...))

	case "mysql":
		return esmysql.NewMysqlStore("localhost", 3306, "root", "root", "research", esmysql.WithStoreOptions(storeOpts...))

	default:
		panic("unknown store " + *storeFlag)
	}
}

func newReadModelStore() readmodel.Store {
	switch *readModelsFlag {
	case "memory":
		return rmmemory.NewStore()

	case "redis":
		rclient := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{*redisAddr},
			WriteTimeout: 30 * time.Second,
			ReadTimeout:  30 * time.Second,
		})

		return rmredis.NewStore(rclient)

	default:
		panic("unknown read-model store " + *readModelsFlag)
	}
}

// runResearchWorkflow drives one workflow through its whole lifecycle:
// create, start, three tasks, complete.
func runResearchWorkflow(ctx context.Context, service *cqrs.Service) uuid.UUID {
	workflowID := uuid.New()

	methodology := events.ResearchMethodology{
		Name:                     "systematic-review",
		Steps:                    []string{"search", "screen", "extract", "synthesize"},
		AIAgents:                 []string{"researcher", "analyst"},
		EstimatedDurationMinutes: 90,
	}

	execute(ctx, service, cqrs.NewCreateResearchWorkflowCommand(workflowID,
		"Drought Resilience Review",
		"How does soil microbiome diversity respond to prolonged drought?",
		methodology))

	execute(ctx, service, cqrs.NewStartWorkflowExecutionCommand(workflowID))

	tasks := []struct {
		taskType string
		agent    string
		results  string
	}{
		{"literature_search", "researcher", `{"documents": 18}`},
		{"data_extraction", "analyst", `{"datasets": 4}`},
		{"synthesis", "analyst", `{"sections": 6}`},
	}

	for _, task := range tasks {
		taskID := uuid.New()
		execute(ctx, service, cqrs.NewCreateTaskCommand(workflowID, taskID, task.taskType, task.agent))
		execute(ctx, service, cqrs.NewCompleteTaskCommand(workflowID, taskID, json.RawMessage(task.results)))
	}

	execute(ctx, service, cqrs.NewCompleteWorkflowCommand(workflowID, events.ResearchResults{
		Summary: "Microbiome diversity drops sharply after week six of drought.",
		Findings: []events.ResearchFinding{{
			Title:      "Diversity loss is non-linear",
			Content:    "Richness indices stay flat for five weeks, then collapse.",
			Confidence: 0.82,
			Sources:    []string{"doi:10.1000/soil.2024.118"},
		}},
		ConfidenceScore:       0.8,
		CompletionTimeMinutes: 84,
	}))

	return workflowID
}

func execute(ctx context.Context, service *cqrs.Service, cmd cqrs.Command) {
	result, err := service.ExecuteCommand(ctx, cmd)
	if err != nil {
		log.Fatalf("executing %s: %v", cmd.CommandName(), err)
	}

	if !result.Success {
		log.Fatalf("command %s rejected: %s", cmd.CommandName(), result.Message)
	}

	log.Printf("%s ok (%dms)", cmd.CommandName(), result.ExecutionTimeMS)
}

// waitForWorkflow polls the read model until the projection catches up with
// the expected status.
func waitForWorkflow(ctx context.Context, service *cqrs.Service, workflowID uuid.UUID, status readmodel.WorkflowStatus) {
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		// A cached result would hide the projection's progress.
		service.QueryBus().InvalidateCache()

		result, err := service.ExecuteQuery(ctx, cqrs.NewGetResearchWorkflowQuery(workflowID, false))
		if err == nil {
			if workflow, ok := result.(*readmodel.Workflow); ok && workflow.Status == status {
				return
			}
		}

		time.Sleep(50 * time.Millisecond)
	}

	log.Fatalf("workflow %v never reached status %q", workflowID, status)
}

func printWorkflow(ctx context.Context, service *cqrs.Service, workflowID uuid.UUID) {
	result, err := service.ExecuteQuery(ctx, cqrs.NewGetResearchWorkflowQuery(workflowID, true))
	if err != nil {
		log.Fatal(err)
	}

	workflow := result.(*readmodel.Workflow)

	log.Printf("workflow %q: status=%s progress=%.0f%% tasks=%d/%d",
		workflow.Name, workflow.Status, workflow.Metrics.ProgressPercentage,
		workflow.Metrics.CompletedTasks, workflow.Metrics.TotalTasks)

	for _, task := range workflow.Tasks {
		log.Printf("  task %s (%s): %s", task.TaskType, task.AgentType, task.Status)
	}
}

func printStats(ctx context.Context, service *cqrs.Service) {
	// Run it twice: the second execution is served from the query cache.
	for i := 0; i < 2; i++ {
		result, err := service.ExecuteQuery(ctx, cqrs.NewGetWorkflowStatsQuery())
		if err != nil {
			log.Fatal(err)
		}

		stats := result.(*readmodel.WorkflowStats)
		log.Printf("stats: workflows=%d success=%.0f%% tasks=%d",
			stats.TotalWorkflows, stats.SuccessRatePercentage, stats.TaskStatistics.TotalTasks)
	}
}

// printHistory dumps the stream with its correlation chain: every event of
// the run shares the correlation id minted in main.
func printHistory(ctx context.Context, store eventstore.Store, workflowID uuid.UUID) {
	history, err := store.ReadEvents(ctx, workflowID, 0, 100)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("event history:")
	for _, event := range history {
		correlationID := "-"
		if c := event.CorrelationID(); c != nil {
			correlationID = c.String()
		}

		log.Printf("  #%d %-28s correlation=%s", event.Metadata.SequenceNumber, event.Type(), correlationID)
	}
}

// rebuildReadModels drops every workflow read model and replays history into
// a fresh projection, the recovery path for a corrupted or redefined view.
func rebuildReadModels(ctx context.Context, service *cqrs.Service, store eventstore.Store, readModels readmodel.Store) {
	log.Println("rebuilding read models from history")

	// The live pipeline pauses so the replay and the projection consumers do
	// not race on the same read models.
	service.StopProjections()

	handler := replay.NewProjectionHandler(cqrs.NewWorkflowProjection(), readModels)
	if err := handler.Reset(ctx); err != nil {
		log.Fatal(err)
	}

	replayer := replay.NewReplayer(store)
	replayer.RegisterHandler(handler)

	summary, err := replayer.ReplayAllStreams(ctx)
	if err != nil {
		log.Fatal(err)
	}

	if summary.Status != replay.StatusCompleted {
		log.Fatalf("replay ended %s: %s", summary.Status, summary.LastError)
	}

	log.Printf("replayed %d events across %d streams in %v",
		summary.EventsReplayed, summary.TotalStreams, summary.Duration)

	if err := service.StartProjections(ctx); err != nil {
		log.Fatal(err)
	}

	// Cached query results predate the rebuild.
	service.QueryBus().InvalidateCache()
}
