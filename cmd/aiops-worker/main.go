// Command aiops-worker hosts the Temporal worker that runs incident
// workflows: evidence collection, analysis, gated remediation and
// verification.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/incidentops/evidence-graph/internal/approval"
	"github.com/incidentops/evidence-graph/internal/collect"
	"github.com/incidentops/evidence-graph/internal/config"
	"github.com/incidentops/evidence-graph/internal/graph"
	"github.com/incidentops/evidence-graph/internal/lokiclient"
	"github.com/incidentops/evidence-graph/internal/policy"
	"github.com/incidentops/evidence-graph/internal/promclient"
	"github.com/incidentops/evidence-graph/internal/remediate"
	"github.com/incidentops/evidence-graph/internal/rules"
	"github.com/incidentops/evidence-graph/internal/runbook"
	"github.com/incidentops/evidence-graph/internal/store"
	"github.com/incidentops/evidence-graph/internal/workflow"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(settings)

	db, err := store.Open(settings.PostgresDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	graphSvc, err := graph.New(settings.Neo4jURI, settings.Neo4jUser, settings.Neo4jPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Neo4j")
	}
	defer graphSvc.Close(context.Background())
	graphSvc.InitConstraints(context.Background())

	kube, err := kubeClient(settings.Kubeconfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build Kubernetes client")
	}

	prom, err := promclient.New(settings.PrometheusURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build Prometheus client")
	}
	loki := lokiclient.New(settings.LokiURL)

	activities := &workflow.Activities{
		Store:   db,
		Graph:   graphSvc,
		Actions: db,
		Collectors: []collect.Collector{
			collect.NewClusterStateCollector(kube),
			collect.NewLogsCollector(loki, settings.MaxLogLines),
			collect.NewMetricsCollector(prom, settings.MaxMetricPoints),
			collect.NewChangeHistoryCollector(kube),
		},
		Engine:    rules.NewEngine(),
		Runbooks:  runbook.NewGenerator(settings.GrafanaURL),
		Policy:    policy.New(settings.OPAURL, settings.OPAPolicyPath),
		Estimator: remediate.NewBlastRadiusEstimator(kube, settings.AppEnv, settings.RemediationMaxBlastRadius),
		Executor:  remediate.NewExecutor(kube),
		Verifier:  remediate.NewVerifier(prom, kube),
		Approvals: approval.NewCoordinator(settings.SlackBotToken, settings.SlackApprovalChannel,
			settings.AppEnv, settings.RemediationAutoApprove()),
		Tickets: approval.NewTicketFiler(settings.JiraURL, settings.JiraUser,
			settings.JiraAPIToken, settings.JiraProjectKey),

		Environment:    settings.AppEnv,
		EvidenceWindow: settings.EvidenceWindow(),
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  settings.TemporalAddress,
		Namespace: settings.TemporalNamespace,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Temporal")
	}
	defer temporalClient.Close()

	w := workflow.NewWorker(temporalClient, settings.TemporalTaskQueue, activities)
	log.Info().Str("task_queue", settings.TemporalTaskQueue).
		Str("namespace", settings.TemporalNamespace).Msg("Worker starting")
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal().Err(err).Msg("Worker stopped")
	}
}

// kubeClient prefers in-cluster credentials and falls back to a kubeconfig
// for local development.
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(cfg)
}

func setupLogging(settings *config.Settings) {
	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if settings.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("app", config.AppName).Str("component", "worker").Logger()
}
