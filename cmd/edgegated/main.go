package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edgegate/edgegate/cmd/edgegated/handlers"
	"github.com/edgegate/edgegate/pkg/auth"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/configs/server"
	"github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
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
	signingkeypg "github.com/edgegate/edgegate/pkg/domain/signingkey/db/postgres"
	"github.com/edgegate/edgegate/pkg/echoutil"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/signing"
)

func main() {
	configPath := flag.String("config-path", "", "config file path")
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	flag.Parse()

	conf, err := server.Load(*configPath)
	if err != nil {
		log.Fatalf("can not read configuration: %s", err)
	}

	ctx := context.Background()

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
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("can not prepare bucket: %s", err)
	}

	keyring, err := envelope.NewKeyring(conf.MasterKeyId, conf.MasterKey)
	if err != nil {
		log.Fatalf("master key: %s", err)
	}

	bearer, err := auth.LoadVerifier(conf.JWTPublicKeyPath)
	if err != nil {
		log.Fatalf("jwt public key: %s", err)
	}

	artifacts := artifactpg.New(db)
	store := &blobstore.Store{Objects: objects, Registry: artifacts}

	runs := runpg.New(db)
	pipelines := pipelinepg.New(db)
	promptpacks := promptpackpg.New(db)
	integrations := integrationpg.New(db)
	ciSecrets := integrationpg.NewCISecret(db)
	capabilities := capabilitypg.New(db)
	probes := probepg.New(db)
	nonces := noncepg.New(db)
	audits := auditpg.New(db)
	signingKeys := signingkeypg.New(db)

	// the signer's public key must be fetchable before any bundle
	// references it. Registration is once; conflicts mean it is there.
	if signer, err := signing.Load(conf.Signing.KeyId, conf.Signing.PrivateKeyPath); err == nil {
		err := signingKeys.Register(ctx, domain.SigningKey{
			KeyId: signer.KeyId(), PublicKey: signer.Public(),
		})
		if err != nil && err != domain.ErrConflict {
			log.Fatalf("signing key registration: %s", err)
		}
	} else {
		log.Printf("signing key not loaded (%s); bundle verification endpoints still serve", err)
	}

	ciVerifier := &ciauth.Verifier{
		Secrets: &handlers.SealedSecretSource{CISecrets: ciSecrets, Keyring: keyring},
		Nonces:  nonces,
	}

	e := echo.New()
	echoutil.SetLevel(e, *loglevel)
	e.Use(middleware.Recover())
	e.Use(echoutil.LogHandlerFunc)

	// public
	e.GET("/v1/signing-keys/:key", handlers.GetSigningKeyHandler(signingKeys))

	// CI ingress (HMAC)
	e.POST("/v1/ci/github/run", handlers.CIRunHandler(ciVerifier, runs, pipelines, store, audits))
	e.GET("/v1/ci/status", handlers.CIStatusHandler(ciVerifier))

	// control plane (bearer)
	v1 := e.Group("/v1/workspaces/:workspace", handlers.BearerAuth(bearer))
	v1.POST("/integrations/qaihub", handlers.PutIntegrationHandler(integrations, keyring, audits))
	v1.DELETE("/integrations/qaihub", handlers.DeleteIntegrationHandler(integrations, audits))
	v1.POST("/ci-secret", handlers.GenerateCISecretHandler(ciSecrets, keyring, []byte(conf.CIPepper), audits))
	v1.POST("/capabilities/probe", handlers.EnqueueProbeHandler(probes, audits))
	v1.GET("/capabilities", handlers.GetCapabilitiesHandler(capabilities))
	v1.POST("/promptpacks", handlers.UploadPromptPackHandler(promptpacks, audits))
	v1.PUT("/promptpacks/:promptpack/:version/publish", handlers.PublishPromptPackHandler(promptpacks, audits))
	v1.POST("/pipelines", handlers.CreatePipelineHandler(pipelines, promptpacks, audits))
	v1.POST("/artifacts", handlers.UploadModelHandler(store, audits))
	v1.GET("/artifacts/:artifact", handlers.GetArtifactHandler(store))
	v1.POST("/runs", handlers.CreateRunHandler(runs, pipelines, store, audits))
	v1.GET("/runs", handlers.ListRunsHandler(runs))
	v1.GET("/runs/:run", handlers.GetRunHandler(runs))
	v1.GET("/runs/:run/bundle", handlers.GetBundleHandler(runs, store))
	v1.POST("/runs/:run/cancel", handlers.CancelRunHandler(runs, audits))

	log.Fatal(e.Start(fmt.Sprintf(":%d", conf.Port)))
}
