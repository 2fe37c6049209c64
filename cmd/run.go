package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/sirupsen/logrus"

	"github.com/kbase/job-runner-go/internal/authclient"
	"github.com/kbase/job-runner-go/internal/callback"
	"github.com/kbase/job-runner-go/internal/catalog"
	"github.com/kbase/job-runner-go/internal/catalogclient"
	"github.com/kbase/job-runner-go/internal/cgroup"
	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/engine"
	"github.com/kbase/job-runner-go/internal/logsink"
	"github.com/kbase/job-runner-go/internal/methodrunner"
	"github.com/kbase/job-runner-go/internal/netutil"
	"github.com/kbase/job-runner-go/internal/objects"
	"github.com/kbase/job-runner-go/internal/resourcemon"
	"github.com/kbase/job-runner-go/internal/runtime"
	"github.com/kbase/job-runner-go/internal/supervisor"
	"github.com/urfave/cli/v2"
)

var runFlags struct {
	jobID      string
	engineURL  string
	configPath string
	userToken  string
	adminToken string
	workDir    string
	maxTasks   int
}

// RunCommand supervises exactly one job: fetch its parameters, launch
// its workload, stand up the callback endpoint, and report its final
// output upstream.
var RunCommand = &cli.Command{
	Name:  "run",
	Usage: "Supervise a single job from submission through completion",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "job-id",
			Usage:       "The upstream job identifier to supervise",
			Destination: &runFlags.jobID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "engine-url",
			Usage:       "Base URL of the upstream execution-engine RPC endpoint",
			Destination: &runFlags.engineURL,
			EnvVars:     []string{"JOBRUNNER_ENGINE_URL"},
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to the job's YAML configuration document",
			Destination: &runFlags.configPath,
			EnvVars:     []string{"JOBRUNNER_CONFIG"},
		},
		&cli.StringFlag{
			Name:        "user-token",
			Usage:       "Token identifying the job's owning user",
			Destination: &runFlags.userToken,
			EnvVars:     []string{"KB_AUTH_TOKEN"},
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "admin-token",
			Usage:       "Token used to authenticate to the execution engine",
			Destination: &runFlags.adminToken,
			EnvVars:     []string{"JOBRUNNER_ADMIN_TOKEN"},
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "workdir",
			Usage:       "Root working directory for the job and its subjobs",
			Destination: &runFlags.workDir,
			EnvVars:     []string{"JOBRUNNER_WORKDIR"},
			Value:       config.DefaultWorkDir,
		},
		&cli.IntFlag{
			Name:        "max-tasks",
			Usage:       "Concurrency cap on live containers for this job",
			Destination: &runFlags.maxTasks,
			EnvVars:     []string{"JOBRUNNER_MAX_TASKS"},
			Value:       config.DefaultMaxTasks,
		},
	},
	Action: func(ctx *cli.Context) error {
		return Run(ctx.Context)
	},
}

// Run wires every collaborator and executes the supervisor loop to
// completion, returning a non-zero error on startup failure.
func Run(ctx context.Context) error {
	cfg := &config.Document{
		WorkDir:  runFlags.workDir,
		MaxTasks: runFlags.maxTasks,
	}
	if runFlags.configPath != "" {
		loaded, err := config.Load(runFlags.configPath)
		if err != nil {
			return fmt.Errorf("loading config document: %w", err)
		}
		cfg = loaded
		cfg.WorkDir = runFlags.workDir
	}

	if cg := cgroup.Discover(os.Getpid()); cg != nil {
		logging.Log.WithFields(logrus.Fields{"cgroup": *cg, "job_id": runFlags.jobID}).Debug("resolved cgroup for job")
	}

	port, err := netutil.FreePort()
	if err != nil {
		return fmt.Errorf("allocating callback port: %w", err)
	}
	callbackIP, err := netutil.CallbackIP()
	if err != nil {
		return fmt.Errorf("resolving callback ip: %w", err)
	}
	callbackAddr := fmt.Sprintf(":%d", port)
	callbackURL := fmt.Sprintf("http://%s:%d/", callbackIP, port)

	engineClient := engine.New(runFlags.engineURL, runFlags.adminToken)
	authClient := authclient.New(cfg.AuthServiceURL)

	catalogURL := cfg.CatalogURL
	if catalogURL == "" {
		catalogURL = cfg.KBaseEndpoint + "/catalog/api/jsonrpc"
	}
	catalogCache := catalog.New(catalogclient.New(catalogURL, runFlags.adminToken))

	rt, err := runtime.New(cfg.Runtime, logsink.New(engineClient, objects.NewMemoryObjectStore()))
	if err != nil {
		return fmt.Errorf("constructing runtime adapter: %w", err)
	}

	runner := methodrunner.New(rt, cfg, callbackURL, runFlags.userToken)

	mon := resourcemon.New(0)
	mon.Start(ctx)
	defer mon.Stop()

	sup := supervisor.New(supervisor.Deps{
		JobID:        runFlags.jobID,
		UserToken:    runFlags.userToken,
		AdminToken:   runFlags.adminToken,
		EngineClient: engineClient,
		AuthClient:   authClient,
		CatalogCache: catalogCache,
		MethodRunner: runner,
		CallbackAddr: callbackAddr,
		Config:       cfg,
	})

	ep := callback.New(sup, runFlags.userToken)
	sup.SetEndpoint(ep)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Log.WithField("job_id", runFlags.jobID).Warn("received interrupt, canceling job")
		sup.Cancel()
	}()

	doc, err := sup.Run(ctx)
	if err != nil {
		return fmt.Errorf("job %s: %w", runFlags.jobID, err)
	}

	logging.Log.WithFields(logrus.Fields{"job_id": runFlags.jobID, "document": doc}).Info("job finished")
	return nil
}
