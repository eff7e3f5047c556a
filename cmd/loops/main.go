// The loops daemon hosts EdgeGate's workers: run execution, probe
// execution and housekeeping, each a recurring loop over the shared
// database. Parallelism across workspaces comes from running several
// run-execution loops; within one workspace the claim step serializes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgegate/edgegate/cmd/loops/recurring"
	"github.com/edgegate/edgegate/cmd/loops/tasks/housekeeping"
	"github.com/edgegate/edgegate/cmd/loops/tasks/probeExecution"
	"github.com/edgegate/edgegate/cmd/loops/tasks/runExecution"
	"github.com/edgegate/edgegate/pkg/aihub"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/configs/server"
	"github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	artifactpg "github.com/edgegate/edgegate/pkg/domain/artifact/db/postgres"
	auditpg "github.com/edgegate/edgegate/pkg/domain/audit/db/postgres"
	capabilitypg "github.com/edgegate/edgegate/pkg/domain/capability/db/postgres"
	integrationpg "github.com/edgegate/edgegate/pkg/domain/integration/db/postgres"
	noncepg "github.com/edgegate/edgegate/pkg/domain/nonce/db/postgres"
	pipelinepg "github.com/edgegate/edgegate/pkg/domain/pipeline/db/postgres"
	probepg "github.com/edgegate/edgegate/pkg/domain/probe/db/postgres"
	promptpackpg "github.com/edgegate/edgegate/pkg/domain/promptpack/db/postgres"
	runpg "github.com/edgegate/edgegate/pkg/domain/run/db/postgres"
	"github.com/edgegate/edgegate/pkg/domain/schema"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/loop"
	"github.com/edgegate/edgegate/pkg/metrics"
	"github.com/edgegate/edgegate/pkg/modelpkg"
	"github.com/edgegate/edgegate/pkg/probe"
	"github.com/edgegate/edgegate/pkg/signing"
)

func main() {
	configPath := flag.String("config-path", "", "config file path")
	runWorkers := flag.Int("run-workers", 2, "parallel run-execution loops")
	metricsPort := flag.Int("metrics-port", 9108, "prometheus scrape port")
	policyFlag := flag.String("policy", "forever:3s", "loop policy (forever:COOLDOWN|backlog)")
	flag.Parse()

	conf, err := server.Load(*configPath)
	if err != nil {
		log.Fatalf("can not read configuration: %s", err)
	}

	policy, err := recurring.ParsePolicy(*policyFlag)
	if err != nil {
		log.Fatalf("%s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pool.Connect(ctx, conf.DatabaseURL)
	if err != nil {
		log.Fatalf("can not connect to database: %s", err)
	}
	defer db.Close()

	if err := schema.EnsureReady(ctx, db); err != nil {
		log.Fatalf("%s", err)
	}

	objects, err := blobstore.NewMinioStore(
		conf.ObjectStore.Endpoint, conf.ObjectStore.Key, conf.ObjectStore.Secret,
		conf.ObjectStore.Bucket, conf.ObjectStore.UseSSL,
	)
	if err != nil {
		log.Fatalf("can not reach object store: %s", err)
	}

	keyring, err := envelope.NewKeyring(conf.MasterKeyId, conf.MasterKey)
	if err != nil {
		log.Fatalf("master key: %s", err)
	}

	signer, err := signing.Load(conf.Signing.KeyId, conf.Signing.PrivateKeyPath)
	if err != nil {
		log.Fatalf("signing key: %s", err)
	}

	store := &blobstore.Store{Objects: objects, Registry: artifactpg.New(db)}

	registry := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorkerMetrics(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		log.Printf("metrics on :%d/metrics", *metricsPort)
		_ = http.ListenAndServe(fmt.Sprintf(":%d", *metricsPort), mux)
	}()

	backendFactory := func(_ context.Context, token string) (aihub.Backend, error) {
		return aihub.NewClient(conf.BackendBaseURL, token), nil
	}

	runs := runpg.New(db)
	probes := probepg.New(db)
	audits := auditpg.New(db)

	runExecutor := &runExecution.Executor{
		Runs:         runs,
		Pipelines:    pipelinepg.New(db),
		PromptPacks:  promptpackpg.New(db),
		Integrations: integrationpg.New(db),
		Capabilities: capabilitypg.New(db),
		Audit:        audits,
		Store:        store,
		Keyring:      keyring,
		Signer:       signer,
		Backend:      backendFactory,
		Metrics:      workerMetrics,
		Logger:       log.New(os.Stderr, "[run] ", log.LstdFlags),
	}

	probeExecutor := &probeExecution.Executor{
		Probes:       probes,
		Integrations: integrationpg.New(db),
		Capabilities: capabilitypg.New(db),
		Audit:        audits,
		Store:        store,
		Keyring:      keyring,
		Backend:      backendFactory,
		Fixtures:     loadFixtures(conf.ProbeFixturesDir),
		Logger:       log.New(os.Stderr, "[probe] ", log.LstdFlags),
	}

	wg := sync.WaitGroup{}
	launch := func(name string, task loop.Task[any]) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loop.Start(ctx, any(nil), task); err != nil && ctx.Err() == nil {
				log.Printf("loop %s stopped: %s", name, err)
				stop()
			}
		}()
	}

	for i := 0; i < *runWorkers; i++ {
		task := runExecution.Task(runs, runExecutor).Applied(policy)
		launch(fmt.Sprintf("run-execution-%d", i), erased(task))
	}
	launch("probe-execution", erased(probeExecution.Task(probes, probeExecutor).Applied(policy)))
	launch("housekeeping", erased(housekeeping.Task(housekeeping.Deps{
		Runs:   runs,
		Nonces: noncepg.New(db),
		Store:  store,
		Logger: log.New(os.Stderr, "[housekeeping] ", log.LstdFlags),
	}).Applied(recurring.Forever(30 * time.Second))))

	wg.Wait()
}

// erased adapts a typed loop task to the launcher's any-cursored shape.
func erased[T any](task loop.Task[T]) loop.Task[any] {
	return func(ctx context.Context, value any) (any, loop.Next) {
		cursor, _ := value.(T)
		next, n := task(ctx, cursor)
		return next, n
	}
}

// loadFixtures reads the packaging fixture models the probe suite
// compiles. A missing fixture only narrows what the suite can prove.
func loadFixtures(dir string) []probe.Fixture {
	if dir == "" {
		return nil
	}
	fixtures := []probe.Fixture{}
	for _, f := range []struct {
		kind modelpkg.PackageKind
		file string
	}{
		{modelpkg.ONNXSingle, "probe_single.onnx"},
		{modelpkg.ONNXExternal, "probe_external.zip"},
		{modelpkg.AIMETQuant, "probe_quant.zip"},
	} {
		blob, err := os.ReadFile(filepath.Join(dir, f.file))
		if err != nil {
			log.Printf("probe fixture %s not loaded: %s", f.file, err)
			continue
		}
		fixtures = append(fixtures, probe.Fixture{Kind: f.kind, Name: f.file, Blob: blob})
	}
	return fixtures
}
