// -----------------------------------------------------------------------
// App - component wiring and lifecycle for the orchestrator core
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/comfy"
	"github.com/ternarybob/atelier/internal/common"
	"github.com/ternarybob/atelier/internal/dispatch"
	"github.com/ternarybob/atelier/internal/files"
	"github.com/ternarybob/atelier/internal/handlers"
	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
	"github.com/ternarybob/atelier/internal/nodes"
	"github.com/ternarybob/atelier/internal/queue"
	storagebadger "github.com/ternarybob/atelier/internal/storage/badger"
	"github.com/ternarybob/atelier/internal/workflow"
)

// App owns every component of the orchestrator. One value wires the whole
// system; tests can build a partial App with fakes.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage     *storagebadger.Manager
	QueueMgr    interfaces.QueueManager
	Pool        *queue.WorkerPool
	NodeMgr     *nodes.Manager
	Registry    interfaces.TemplateRegistry
	Engine      *workflow.Engine
	Client      *comfy.Client
	Monitor     *comfy.Monitor
	FileService *files.Service
	Driver      *dispatch.Driver

	JobHandler    *handlers.JobHandler
	FileHandler   *handlers.FileHandler
	NodeHandler   *handlers.NodeHandler
	StatusHandler *handlers.StatusHandler

	maintenance *cron.Cron
}

// New builds the application from configuration. Components are
// constructed bottom-up; any failure aborts startup.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	storage, err := storagebadger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.Storage = storage

	// Durable queue shares the storage DB. If it cannot be built, fall
	// back to the in-process queue: submissions keep working, durability
	// is lost until restart.
	queueMgr, err := queue.NewBadgerManager(
		storage.DB().Store().Badger(), logger,
		config.QueueVisibility(), config.Queue.MaxReceive)
	if err != nil {
		logger.Error().Err(err).Msg("Durable queue unavailable; falling back to in-memory queue (messages lost on restart)")
		a.QueueMgr = queue.NewMemoryManager(config.QueueVisibility(), config.Queue.MaxReceive)
	} else {
		a.QueueMgr = queueMgr
	}

	a.Client = comfy.NewClient(logger)
	a.Monitor = comfy.NewMonitor(logger)

	balancer := nodes.NewBalancer(config.Nodes.LoadBalancing.Strategy)
	a.NodeMgr = nodes.NewManager(
		a.Client.SystemStats, balancer,
		config.HealthProbeInterval(), config.HealthProbeTimeout(), config.HeartbeatTimeout(),
		logger)

	a.Registry = workflow.NewRegistry(config.Workflows.Dir, logger)
	a.Engine = workflow.NewEngine(a.Registry, logger)

	fileSvc, err := files.NewService(files.Options{
		UploadsDir:     config.Uploads.Dir,
		OutputDir:      config.ComfyUI.OutputDir,
		MaxSizeMB:      config.Uploads.MaxSizeMB,
		DownloadSecret: config.Auth.DownloadSecret,
		TokenTTL:       config.DownloadTokenTTL(),
		BaseURL:        config.BaseURL(),
		CacheEnabled:   config.Distributed.Enabled && config.Distributed.FileCacheEnabled,
		CacheTTL:       fileCacheTTL(config),
	}, storage.UploadStorage(), a.NodeMgr, a.Client, logger)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to build file service: %w", err)
	}
	a.FileService = fileSvc

	a.Driver = dispatch.NewDriver(dispatch.Options{
		SingleNode:       !config.Distributed.Enabled,
		LocalNodeOutput:  config.ComfyUI.OutputDir,
		SubmitTimeout:    config.SubmitTimeout(),
		SelectBackoffMax: config.SelectBackoffMax(),
		MonitorTimeout:   config.MonitorTimeout,
	}, storage.JobStorage(), storage.UploadStorage(), a.NodeMgr, a.Engine, a.Client, a.Monitor, fileSvc, logger)

	a.Pool = queue.NewWorkerPool(a.QueueMgr, config.Queue.WorkersPerKind, config.QueuePollInterval(), logger)
	for _, kind := range models.KnownKinds {
		a.Pool.RegisterHandler(kind, a.Driver.Handle)
	}

	// A node dropping offline aborts its in-flight jobs; the driver
	// records them failed with a retriable transport error.
	a.NodeMgr.OnNodeOffline(func(nodeID string, jobIDs []string) {
		for _, jobID := range jobIDs {
			cause := models.NewJobError(models.ErrKindTransport, "node %s went offline", nodeID)
			if !a.Pool.Abort(jobID, cause) {
				logger.Warn().
					Str("job_id", jobID).
					Str("node_id", nodeID).
					Msg("Orphaned job not in-flight here; redelivery will recover it")
			}
		}
	})

	a.JobHandler = handlers.NewJobHandler(storage.JobStorage(), a.QueueMgr, a.Pool, fileSvc, a.Registry, logger)
	a.FileHandler = handlers.NewFileHandler(fileSvc, logger)
	a.NodeHandler = handlers.NewNodeHandler(a.NodeMgr, logger)
	a.StatusHandler = handlers.NewStatusHandler(storage.JobStorage(), a.QueueMgr, a.NodeMgr, logger)

	if config.Maintenance.Enabled {
		a.maintenance = cron.New(cron.WithSeconds())
		if _, err := a.maintenance.AddFunc(config.Maintenance.Schedule, a.runMaintenance); err != nil {
			storage.Close()
			return nil, fmt.Errorf("invalid maintenance schedule %q: %w", config.Maintenance.Schedule, err)
		}
	}

	return a, nil
}

func fileCacheTTL(config *common.Config) time.Duration {
	if d, err := time.ParseDuration(config.Distributed.FileCacheTTL); err == nil {
		return d
	}
	return 10 * time.Minute
}

// Start registers the fleet, recovers interrupted jobs and launches the
// background loops.
func (a *App) Start() error {
	if err := a.registerFleet(); err != nil {
		return err
	}
	if err := a.NodeMgr.Start(); err != nil {
		return err
	}
	if err := a.QueueMgr.Start(); err != nil {
		return err
	}

	a.recoverProcessingJobs()

	if err := a.Pool.Start(); err != nil {
		return err
	}
	if a.maintenance != nil {
		a.maintenance.Start()
	}

	a.Logger.Info().
		Bool("distributed", a.Config.Distributed.Enabled).
		Msg("Application started")
	return nil
}

// registerFleet seeds the node registry: static declarations in fleet
// mode, the single configured endpoint otherwise. An unreachable node is
// registered offline; the probe loop promotes it later.
func (a *App) registerFleet() error {
	if !a.Config.Distributed.Enabled {
		node := &models.Node{
			ID:            "local",
			Host:          a.Config.ComfyUI.Host,
			Port:          a.Config.ComfyUI.Port,
			MaxConcurrent: 1,
		}
		a.NodeMgr.RegisterNode(node)
		return nil
	}

	for _, decl := range a.Config.Nodes.Static {
		caps := make([]models.JobKind, 0, len(decl.Capabilities))
		for _, c := range decl.Capabilities {
			caps = append(caps, models.JobKind(c))
		}
		a.NodeMgr.RegisterNode(&models.Node{
			ID:            decl.ID,
			Host:          decl.Host,
			Port:          decl.Port,
			MaxConcurrent: decl.MaxConcurrent,
			Capabilities:  caps,
			Priority:      decl.Priority,
		})
	}
	return nil
}

// recoverProcessingJobs returns jobs stranded in processing by a previous
// crash to queued; their unacknowledged queue messages reappear after the
// visibility timeout and run again.
func (a *App) recoverProcessingJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := a.Storage.JobStorage().GetProcessingJobs(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to scan for interrupted jobs")
		return
	}
	for _, job := range jobs {
		status := models.JobStatusQueued
		progress := 0.0
		message := "recovered after restart"
		if _, err := a.Storage.JobStorage().UpdateJob(ctx, job.ID, &models.JobUpdate{
			Status:   &status,
			Progress: &progress,
			Message:  &message,
		}); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to recover interrupted job")
			continue
		}
		a.Logger.Info().Str("job_id", job.ID).Msg("Interrupted job returned to queue")
	}
}

// runMaintenance sweeps expired terminal jobs and uploads.
func (a *App) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()
	if d, err := time.ParseDuration(a.Config.Maintenance.JobRetention); err == nil && d > 0 {
		deleted, err := a.Storage.JobStorage().DeleteTerminalJobsBefore(ctx, now.Add(-d).Unix())
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Job retention sweep failed")
		} else if deleted > 0 {
			a.Logger.Info().Int("deleted", deleted).Msg("Expired jobs removed")
		}
	}

	if d, err := time.ParseDuration(a.Config.Maintenance.UploadRetention); err == nil && d > 0 {
		expired, err := a.Storage.UploadStorage().DeleteUploadsBefore(ctx, now.Add(-d).Unix())
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Upload retention sweep failed")
		} else {
			for _, upload := range expired {
				a.FileService.RemoveUploadBytes(upload)
			}
			if len(expired) > 0 {
				a.Logger.Info().Int("deleted", len(expired)).Msg("Expired uploads removed")
			}
		}
	}
}

// Stop shuts down in dependency order: intake stops first, the pool
// drains, then the stores close.
func (a *App) Stop() {
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.QueueMgr != nil {
		a.QueueMgr.Stop()
	}
	if a.NodeMgr != nil {
		a.NodeMgr.Stop()
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
	a.Logger.Info().Msg("Application stopped")
}
