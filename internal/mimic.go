package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mimic/internal/activity"
	"github.com/hbomb79/Mimic/internal/assessment"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/download"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/ffmpeg"
	"github.com/hbomb79/Mimic/internal/http/router"
	"github.com/hbomb79/Mimic/internal/http/websocket"
	"github.com/hbomb79/Mimic/internal/ingest"
	"github.com/hbomb79/Mimic/internal/library"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/remote"
	"github.com/hbomb79/Mimic/internal/speech"
	"github.com/hbomb79/Mimic/internal/syncer"
	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/hbomb79/Mimic/pkg/worker"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// Mimic represents the top-level object for the core, and is responsible
	// for connecting the database, constructing the stores and services,
	// and running the background services until the context is cancelled.
	Mimic struct {
		config   MimicConfig
		eventBus event.EventCoordinator
		db       database.Manager
		pool     *worker.Pool
		validate *validator.Validate

		files          *library.Store
		downloads      *download.Manager
		registry       *media.Registry
		transcriptions *transcription.Engine
		assessments    *assessment.Service
		syncer         *syncer.Orchestrator
		ingests        *ingest.Service
		socketHub      *websocket.SocketHub
	}
)

func New(config MimicConfig) *Mimic {
	log.Emit(logger.DEBUG, "Bootstrapping Mimic services using config: %#v\n", config)
	return &Mimic{
		config:   config,
		eventBus: event.New(),
		db:       database.New(),
		pool:     worker.NewPool("core-worker", config.Workers.Size),
		validate: validator.New(),
	}
}

// Run will start all of Mimic by bringing up all required connections and services:
// - Database connection (and migrations)
// - Stores, registry, transcription engine, assessment and sync orchestrator
// - Background services (watch-folder import, activity broadcasting, HTTP)
//
// This function will not return until Mimic is stopped.
// To stop Mimic, the provided context must be cancelled. Errors from which Mimic cannot recover
// will also cause Mimic to stop.
func (mimic *Mimic) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := mimic.db.Connect(mimic.config.Database); err != nil {
		return err
	}
	defer mimic.db.Close()

	if err := mimic.initialiseServices(ctx); err != nil {
		return err
	}

	// Attempts which were interrupted by a previous shutdown can never
	// finish, so they are returned to pending before any new work starts.
	if reset, err := mimic.transcriptions.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile stale transcriptions: %w", err)
	} else if reset > 0 {
		log.Emit(logger.WARNING, "Reset %d interrupted transcription(s) to pending\n", reset)
	}

	if err := mimic.pool.Start(ctx); err != nil {
		return err
	}
	defer mimic.pool.Close()

	if mimic.config.Redis.Addr != "" {
		publisher, err := event.NewRedisPublisher(ctx, mimic.config.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect redis event publisher: %w", err)
		}
		defer publisher.Close()

		publisher.Attach(mimic.eventBus, event.MODEL_CHANGE, event.DOWNLOAD_PROGRESS)
	}

	wg := &sync.WaitGroup{}
	if mimic.ingests != nil {
		mimic.spawnAsyncService(ctx, wg, mimic.ingests, "ingest-service", crashHandler)
	}
	mimic.spawnAsyncService(ctx, wg, activity.New(mimic.config.Activity, mimic.socketHub, mimic.eventBus), "activity-service", crashHandler)
	mimic.spawnAsyncService(ctx, wg, hubService{mimic.socketHub}, "socket-hub", crashHandler)
	mimic.spawnAsyncService(ctx, wg, mimic.newRouter(), "http-router", crashHandler)
	log.Emit(logger.SUCCESS, "Mimic services spawned!\n")

	wg.Wait()
	cancelled := mimic.downloads.CancelAll()
	if cancelled > 0 {
		log.Emit(logger.STOP, "Cancelled %d in-flight download(s)\n", cancelled)
	}

	return nil
}

// initialiseServices constructs the stores and services, and connects
// the pipeline between them.
func (mimic *Mimic) initialiseServices(ctx context.Context) error {
	config := mimic.config
	notifier := event.NewNotifier(mimic.eventBus)

	files, err := library.New(config.Library.Store.Root)
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}
	mimic.files = files

	downloads, err := download.New(config.Download, &download.HTTPTransport{}, files.StagingDir(), mimic.eventBus)
	if err != nil {
		return fmt.Errorf("failed to construct download manager: %w", err)
	}
	mimic.downloads = downloads

	mimic.registry = media.New(config.Library.Registry, media.NewPostgresStore(mimic.db), files, downloads, ffmpeg.NewProber(config.Ffprobe), mimic.pool, notifier)

	recognizer, err := speech.NewGoogleRecognizer(ctx, config.Speech.Google)
	if err != nil {
		return fmt.Errorf("failed to construct speech recognizer: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = recognizer.Close()
	}()
	mimic.transcriptions = transcription.New(config.Transcription, transcription.NewPostgresStore(mimic.db), mimic.registry, recognizer, mimic.pool, notifier)
	mimic.transcriptions.UseAudioExtractor(ffmpeg.NewAudioExtractor(config.Ffprobe), files.StagingDir())

	client := remote.NewClient(config.Remote.API)
	mimic.assessments = assessment.New(
		config.Assessment,
		assessment.NewPostgresStore(mimic.db),
		mimic.registry,
		remote.NewTokenCache(client),
		speech.NewPronunciationAssessor(config.Speech.Assessor),
		mimic.pool,
		notifier,
	)

	if config.Remote.API.BaseURL != "" && config.Remote.S3.Bucket != "" {
		blobs, err := remote.NewBlobStore(ctx, config.Remote.S3)
		if err != nil {
			return fmt.Errorf("failed to construct blob store: %w", err)
		}

		mimic.syncer = syncer.New(blobs, client, mimic.registry, mimic.transcriptions, mimic.assessments)
		mimic.registry.UsePipeline(mimic.transcriptions, mimic.syncer)
		mimic.transcriptions.UseSyncer(mimic.syncer)
		mimic.assessments.UseSyncer(mimic.syncer)
	} else {
		log.Emit(logger.WARNING, "Remote API or blob bucket not configured, records will not be synced\n")
		mimic.registry.UsePipeline(mimic.transcriptions, nil)
	}

	if config.Import.Enabled {
		ingests, err := ingest.New(config.Import.Config, mimic.registry)
		if err != nil {
			return fmt.Errorf("failed to construct ingestion service: %w", err)
		}
		mimic.ingests = ingests
	}

	mimic.socketHub = websocket.New()
	mimic.socketHub.WithConnectionCallback(func() map[string]any {
		return map[string]any{"downloads": mimic.downloads.Dashboard()}
	})

	return nil
}

func (mimic *Mimic) newRouter() *router.Router {
	if mimic.ingests == nil {
		return router.New(mimic.config.Http, mimic.validate, mimic.socketHub, mimic.downloads, nil)
	}

	return router.New(mimic.config.Http, mimic.validate, mimic.socketHub, mimic.downloads, mimic.ingests)
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func (mimic *Mimic) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crashHandler(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crashHandler(label, err)
		}
	}(serviceLabel)
}

func (mimic *Mimic) Registry() *media.Registry             { return mimic.registry }
func (mimic *Mimic) Transcriptions() *transcription.Engine { return mimic.transcriptions }
func (mimic *Mimic) Assessments() *assessment.Service      { return mimic.assessments }
func (mimic *Mimic) Downloads() *download.Manager          { return mimic.downloads }
func (mimic *Mimic) Syncer() *syncer.Orchestrator          { return mimic.syncer }
func (mimic *Mimic) EventBus() event.EventHandler          { return mimic.eventBus }

// hubService adapts the socket hub to the RunnableService interface.
type hubService struct{ hub *websocket.SocketHub }

func (s hubService) Run(ctx context.Context) error {
	s.hub.Start(ctx)
	return nil
}
