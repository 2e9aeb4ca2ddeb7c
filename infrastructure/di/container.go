// Package di wires every core component into a Container, in dependency
// order, the same staged-initialize shape as the teacher's own
// internal/di.Container (NewContainer -> initialize -> one method per
// concern) rather than code-generated wiring: this module's dependency
// graph is small and linear enough that hand wiring reads better than a
// generator, and the teacher itself keeps both a wire.go stub and this
// richer hand-written container side by side.
package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"docucore/internal/basicindex"
	"docucore/internal/composite"
	"docucore/internal/groupmanifest"
	"docucore/internal/httpapi"
	"docucore/internal/listen"
	"docucore/internal/queue"
	"docucore/internal/security"
	"docucore/internal/simplequery"
	"docucore/internal/store"
	"docucore/internal/txn"

	"docucore/infrastructure/config"
	"docucore/pkg/observability"
)

// Container holds every wired component for the lifetime of a process.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	DynamoDBClient *dynamodb.Client

	GroupManifest *groupmanifest.Manifest
	Store         *store.Store
	BasicIndex    *basicindex.Index
	SimpleQuery   *simplequery.Index
	Composite     *composite.Engine
	Queue         *queue.Queue
	Notifier      *listen.Notifier
	TxnManager    *txn.Manager
	ListenManager *listen.Manager
	Evaluator     security.Evaluator

	DynamicConfigManager *config.DynamicConfigManager

	CloudWatchClient   *cloudwatch.Client
	Metrics            *observability.Metrics
	PerformanceMetrics *observability.PerformanceMetrics
	PromCollector      *observability.Collector
	Tracer             *observability.TracerProvider

	HTTPServer *httpapi.Server
	Router     http.Handler

	shutdownFuncs []func()
}

// InitializeContainer builds a fully wired Container from cfg.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	if err := c.initLogger(); err != nil {
		return nil, err
	}
	if err := c.initAWSClients(ctx); err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	if err := c.initGroupManifest(); err != nil {
		return nil, fmt.Errorf("init group manifest: %w", err)
	}
	if err := c.initObservability(); err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	c.initCoreComponents()
	if err := c.initDynamicConfig(ctx); err != nil {
		return nil, fmt.Errorf("init dynamic config: %w", err)
	}
	c.initHTTPServer()

	c.Logger.Info("container initialized",
		zap.String("table", cfg.DynamoDBTable),
		zap.String("environment", cfg.Environment),
	)
	return c, nil
}

func (c *Container) initLogger() error {
	var zcfg zap.Config
	if c.Config.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	c.Logger = logger
	return nil
}

func (c *Container) initAWSClients(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, awsconfig.WithRegion(c.Config.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	c.DynamoDBClient = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	})
	c.CloudWatchClient = cloudwatch.NewFromConfig(awsCfg)
	return nil
}

// initObservability builds the CloudWatch-backed Metrics (a no-op when
// EnableMetrics is false, since every Metrics method short-circuits on a
// nil client), the always-on in-process PerformanceMetrics tracker, the
// Prometheus Collector scraped locally over /metrics, and - when
// EnableTracing is set - the OTLP tracer provider spans get recorded
// against.
func (c *Container) initObservability() error {
	c.PerformanceMetrics = observability.NewPerformanceMetrics(c.Logger)

	var cwClient *cloudwatch.Client
	if c.Config.EnableMetrics {
		cwClient = c.CloudWatchClient
	}
	c.Metrics = observability.NewMetrics(c.Config.MetricsNamespace, cwClient)
	c.PromCollector = observability.NewCollector(c.Config.MetricsNamespace)

	if !c.Config.EnableTracing {
		return nil
	}
	tp, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: c.Config.MetricsNamespace,
		Environment: c.Config.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	c.Tracer = tp
	c.shutdownFuncs = append(c.shutdownFuncs, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			c.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	})
	return nil
}

func (c *Container) initGroupManifest() error {
	m, err := groupmanifest.Load(c.Config.GroupManifestPath, c.Logger)
	if err != nil {
		return err
	}
	m.Start()
	c.GroupManifest = m
	c.shutdownFuncs = append(c.shutdownFuncs, m.Stop)
	return nil
}

// initCoreComponents wires the document store, its three index engines, the
// update queue, the transaction manager, and the listen manager, in the
// same order a write flows through them (spec §4.6's data-flow
// description): store -> basic index -> simple query index -> composite
// engine -> queue -> txn manager -> listen manager.
func (c *Container) initCoreComponents() {
	cfg := c.Config

	c.Store = store.New(c.DynamoDBClient, cfg.DynamoDBTable, cfg.IndexName, c.Logger)
	c.BasicIndex = basicindex.New(c.DynamoDBClient, cfg.DynamoDBTable, c.Logger)
	c.SimpleQuery = simplequery.New(c.DynamoDBClient, cfg.DynamoDBTable, c.Logger)
	c.Composite = composite.New(c.DynamoDBClient, cfg.DynamoDBTable, c.GroupManifest.Groups(), c.Logger)
	// composite.Engine holds its group set as a fixed snapshot from New, so
	// the running Engine does not see manifest edits at all. Log the change
	// so an operator knows a restart is required to pick up an added,
	// edited or removed group.
	c.GroupManifest.OnChange(func(groups []composite.Group) {
		c.Logger.Warn("composite group manifest changed; restart to apply",
			zap.Int("group_count", len(groups)))
	})

	c.Queue = queue.New(c.DynamoDBClient, cfg.DynamoDBTable, cfg.ClientIndexName, c.Logger)
	c.Notifier = listen.NewNotifier()

	c.TxnManager = txn.New(
		c.DynamoDBClient, cfg.DynamoDBTable,
		c.Store, c.BasicIndex, c.SimpleQuery, c.Composite,
		c.Logger,
		txn.WithNotifier(c.Notifier),
	)

	sweepInterval := time.Duration(cfg.Listen.SweepInterval) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Duration(cfg.Listen.ClientTTL) * time.Second / 2
	}
	c.ListenManager = listen.New(
		c.DynamoDBClient, cfg.DynamoDBTable,
		c.Queue, c.Notifier,
		time.Duration(cfg.Listen.ClientTTL)*time.Second,
		time.Duration(cfg.Listen.WaitTimeout)*time.Second,
		c.Logger,
		listen.WithSweepInterval(sweepInterval),
		listen.WithListenHook(func(queueDepth int) {
			c.PerformanceMetrics.RecordListen(0, queueDepth)
			c.Metrics.RecordQueueDepth(context.Background(), queueDepth)
			c.PromCollector.ListenQueueDepth.Observe(float64(queueDepth))
		}),
		listen.WithEvictionHook(func() {
			c.PerformanceMetrics.RecordEviction()
			c.Metrics.RecordEviction(context.Background())
			c.PromCollector.ClientEvictions.Inc()
		}),
	)
	c.ListenManager.Start(context.Background())
	c.shutdownFuncs = append(c.shutdownFuncs, c.ListenManager.Stop)

	c.Evaluator = security.DefaultEvaluator{}
}

func (c *Container) initDynamicConfig(ctx context.Context) error {
	manager, err := config.NewDynamicConfigManager(c.Config, c.Config.DynamicConfigPath, c.Logger)
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return err
	}
	c.DynamicConfigManager = manager
	c.shutdownFuncs = append(c.shutdownFuncs, manager.Stop)
	return nil
}

func (c *Container) initHTTPServer() {
	c.HTTPServer = httpapi.New(
		c.Store, c.TxnManager, c.BasicIndex, c.SimpleQuery, c.Composite,
		c.ListenManager, c.Evaluator, c.Logger, c.Metrics, c.PerformanceMetrics,
		c.PromCollector, c.Tracer,
	)
	c.Router = c.HTTPServer.Router()
}

// Shutdown stops every background loop the container started, in reverse
// wiring order.
func (c *Container) Shutdown() {
	for i := len(c.shutdownFuncs) - 1; i >= 0; i-- {
		c.shutdownFuncs[i]()
	}
	_ = c.Logger.Sync()
}
