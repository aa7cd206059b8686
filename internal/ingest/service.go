// Package ingest watches a directory on the host file system and imports any
// new files found there in to the media registry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/hbomb79/Mimic/pkg/worker"
	"github.com/rjeczalik/notify"
)

var log = logger.Get("IngestServ")

type (
	// Registry is the subset of the media registry the ingest service
	// imports files through.
	Registry interface {
		Ingest(ctx context.Context, source string, kindHint media.Kind, params media.IngestParams) (*media.Asset, error)
		AllSources(ctx context.Context) ([]string, error)
	}

	// Service is responsible for managing the automatic detection
	// and ingestion of files from the servers file system. The detected
	// files are:
	// - Checked against a blacklist to ensure they should be processed
	// - Held until their modtime is old enough that the write is likely complete
	// - Imported through the media registry
	Service struct {
		*sync.Mutex
		registry Registry

		config           Config
		blacklist        []*regexp.Regexp
		items            []*Item
		importHoldTimers map[uuid.UUID]*time.Timer
		pool             *worker.Pool
	}
)

// New creates a new ingest Service, using the provided config for
// subsequent calls to 'Run'.
//
// The configs 'Path' is validated to be an existing directory.
// If the directory is missing it will be created, if the path
// provided points to an existing FILE, an error is returned.
func New(config Config, registry Registry) (*Service, error) {
	if info, err := os.Stat(config.Path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("ingestion path '%s' is not a directory", config.Path)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.Path, os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("ingestion path '%s' could not be created: %w", config.Path, err)
		}
	} else {
		return nil, fmt.Errorf("ingestion path '%s' could not be accessed: %w", config.Path, err)
	}

	blacklist := make([]*regexp.Regexp, 0, len(config.Blacklist))
	for _, expr := range config.Blacklist {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("ingestion blacklist expression %q is invalid: %w", expr, err)
		}
		blacklist = append(blacklist, re)
	}

	parallelism := config.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	return &Service{
		Mutex:            &sync.Mutex{},
		registry:         registry,
		config:           config,
		blacklist:        blacklist,
		items:            make([]*Item, 0),
		importHoldTimers: make(map[uuid.UUID]*time.Timer),
		pool:             worker.NewPool("ingest-worker", parallelism),
	}, nil
}

// Run is the main entry point of this service. It's responsible
// for listening to the OS file system and responding to change events,
// as well as regularly polling the file system irrespective of the
// watcher.
// To kill the service, the calling code should cancel the context
// provided.
func (service *Service) Run(ctx context.Context) error {
	if err := service.pool.Start(ctx); err != nil {
		return err
	}
	defer service.pool.Close()

	fsNotifyChannel := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Join(service.config.Path, "..."), fsNotifyChannel, notify.Create, notify.Write, notify.Rename); err != nil {
		log.Warnf("Failed to watch %s for changes, relying on polling only: %v\n", service.config.Path, err)
	} else {
		defer notify.Stop(fsNotifyChannel)
	}

	forceIngestTicker := time.NewTicker(service.config.ForceSyncDuration())
	defer forceIngestTicker.Stop()
	defer service.clearAllImportHoldTimers()

	service.DiscoverNewFiles(ctx)

	for {
		select {
		case <-fsNotifyChannel:
			service.DiscoverNewFiles(ctx)
		case <-forceIngestTicker.C:
			service.DiscoverNewFiles(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// performItemIngest is the task submitted to the services worker pool
// whenever an item becomes IDLE. It will claim the first IDLE item it
// finds and attempt to ingest it. If the ingestion fails, the Trouble
// is set on the item and it's state set to TROUBLED.
func (service *Service) performItemIngest(ctx context.Context) error {
	item := service.claimIdleItem()
	if item == nil {
		return nil
	}

	err := item.ingest(ctx, service.registry)

	service.Lock()
	defer service.Unlock()
	if err != nil {
		var trbl Trouble
		if errors.As(err, &trbl) {
			log.Warnf("Item %s has raised a trouble: %v\n", item, trbl)
			item.Trouble = &trbl
			item.State = TROUBLED
			return nil
		}

		item.State = IDLE
		return err
	}

	item.State = COMPLETE
	return nil
}

// DiscoverNewFiles will scan the host file system at the path
// configured and check for items that need to be ingested (as
// in no asset for these items already exist, and
// no current item in this service represents this path).
// Any paths found that match with any configured blacklists will
// be ignored.
//
// Note: This function will take ownership of the mutex, and releases it when returning
func (service *Service) DiscoverNewFiles(ctx context.Context) {
	sourcePaths, err := service.registry.AllSources(ctx)
	if err != nil {
		log.Errorf("Failed to fetch known source paths: %v\n", err)
		return
	}

	service.Lock()
	defer service.Unlock()

	sourcePathsLookup := make(map[string]bool, len(sourcePaths)+len(service.items))
	for _, path := range sourcePaths {
		sourcePathsLookup[path] = true
	}
	for _, item := range service.items {
		sourcePathsLookup[item.Path] = true
	}

	newItems, err := recursivelyWalkFileSystem(service.config.Path, sourcePathsLookup)
	if err != nil {
		log.Emit(logger.FATAL, "file system polling failed: %s\n", err.Error())
		return
	}

	minModtimeAge := service.config.RequiredModTimeAgeDuration()
	idle := 0
	for itemPath, itemInfo := range newItems {
		if service.isBlacklisted(itemPath) {
			continue
		}

		itemID := uuid.New()
		timeDiff := time.Since(itemInfo.ModTime())

		itemState := IMPORT_HOLD
		if timeDiff > minModtimeAge {
			idle++
			itemState = IDLE
		}

		item := &Item{ID: itemID, Path: itemPath, State: itemState}
		service.items = append(service.items, item)
		log.Emit(logger.NEW, "Discovered %s\n", item)
		if itemState == IMPORT_HOLD {
			service.scheduleImportHoldTimer(itemID, minModtimeAge-timeDiff)
		}
	}

	for range idle {
		service.wakeupWorkerPool()
	}
}

// ResolveTrouble accepts the ID of a TROUBLED item and a resolution method. A
// RETRY resolution returns the item to IDLE so a worker will attempt it again,
// while an ABORT resolution removes the item from the service.
//
// Note: This function takes ownership of the mutex and releases it on return
func (service *Service) ResolveTrouble(itemID uuid.UUID, method ResolutionType) error {
	service.Lock()
	defer service.Unlock()

	item := service.getIngest(itemID)
	if item == nil {
		return ErrIngestNotFound
	}
	if item.State != TROUBLED || item.Trouble == nil {
		return ErrNoTrouble
	}
	if !item.Trouble.isResolutionTypeAllowed(method) {
		return ErrResolutionIncompatible
	}

	switch method {
	case RETRY:
		item.Trouble = nil
		item.State = IDLE
		service.wakeupWorkerPool()
	case ABORT:
		service.removeIngest(itemID)
	}

	return nil
}

// RemoveIngest looks for an item with the ID provided in the services
// state, and removes it if it's found.
// This method *fails* if the item is currently 'INGESTING' as interrupting
// the ingestion is not possible.
// This method does not error if the itemID does not exist.
//
// Note: This function takes ownership of the mutex and releases it on return
func (service *Service) RemoveIngest(itemID uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	item := service.getIngest(itemID)
	if item == nil {
		return nil
	}
	if item.State == INGESTING {
		return fmt.Errorf("cannot remove item %v as a worker is currently ingesting it", itemID)
	}

	service.removeIngest(itemID)
	return nil
}

// GetIngest accepts the ID of an ingest item and attempts to find it
// in the services queue. If it cannot be found, nil is returned.
func (service *Service) GetIngest(itemID uuid.UUID) *Item {
	service.Lock()
	defer service.Unlock()

	if item := service.getIngest(itemID); item != nil {
		copied := *item
		return &copied
	}

	return nil
}

// GetAllIngests returns a snapshot of all the items being
// processed by this service.
func (service *Service) GetAllIngests() []*Item {
	service.Lock()
	defer service.Unlock()

	out := make([]*Item, 0, len(service.items))
	for _, item := range service.items {
		copied := *item
		out = append(out, &copied)
	}

	return out
}

func (service *Service) getIngest(itemID uuid.UUID) *Item {
	for _, item := range service.items {
		if item.ID == itemID {
			return item
		}
	}

	return nil
}

func (service *Service) removeIngest(itemID uuid.UUID) {
	service.clearImportHoldTimer(itemID)
	for k, v := range service.items {
		if v.ID == itemID {
			service.items = append(service.items[:k], service.items[k+1:]...)
			return
		}
	}
}

// evaluateItemHold accepts the ID of an item that is on IMPORT_HOLD,
// and checks it's modtime to see if the item can be moved on to
// the 'IDLE' state.
// If the item with the ID provided no longer exists, the method is a NO-OP.
// If the item exists, but it's source file no longer exists, the item is removed
// from the services state.
// If the item exists and it's source still does not meet modtime requirements, then
// then a new timer will be scheduled to re-evaluate the item hold.
//
// Note: this function takes ownership of the mutex, and releases it when returning
func (service *Service) evaluateItemHold(id uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	delete(service.importHoldTimers, id)
	item := service.getIngest(id)
	if item == nil || item.State != IMPORT_HOLD {
		return
	}

	timeDiff, err := item.modtimeDiff()
	if err != nil {
		log.Warnf("Source of held item %s has gone away, removing\n", item)
		service.removeIngest(id)
		return
	}

	thresholdModTime := service.config.RequiredModTimeAgeDuration()
	if *timeDiff < thresholdModTime {
		service.scheduleImportHoldTimer(id, thresholdModTime-*timeDiff)
		return
	}

	item.State = IDLE
	service.wakeupWorkerPool()
}

// scheduleImportHoldTimer will call evaluateItemHold for the item provided
// after the delay duration specified has elapsed. Any existing import hold timer
// for the item specified will be *cancelled* before the new timer is created.
func (service *Service) scheduleImportHoldTimer(id uuid.UUID, delay time.Duration) {
	service.clearImportHoldTimer(id)
	service.importHoldTimers[id] = time.AfterFunc(delay, func() {
		service.evaluateItemHold(id)
	})
}

func (service *Service) clearImportHoldTimer(id uuid.UUID) {
	if timer, ok := service.importHoldTimers[id]; ok {
		timer.Stop()
		delete(service.importHoldTimers, id)
	}
}

func (service *Service) clearAllImportHoldTimers() {
	service.Lock()
	defer service.Unlock()

	for key, timer := range service.importHoldTimers {
		timer.Stop()
		delete(service.importHoldTimers, key)
	}
}

// claimIdleItem will try and find an IDLE item in the ingest service,
// and set it's state to 'INGESTING' to prevent another
// worker from claiming it once the mutex lock is released.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *Service) claimIdleItem() *Item {
	service.Lock()
	defer service.Unlock()

	for _, item := range service.items {
		if item.State == IDLE {
			item.State = INGESTING
			return item
		}
	}

	return nil
}

// wakeupWorkerPool submits a task which will claim an IDLE item. One task
// should be submitted for each item which becomes IDLE.
func (service *Service) wakeupWorkerPool() {
	service.pool.Submit("ingest", service.performItemIngest)
}

func (service *Service) isBlacklisted(path string) bool {
	name := filepath.Base(path)
	for _, re := range service.blacklist {
		if re.MatchString(name) {
			return true
		}
	}

	return false
}

// recursivelyWalkFileSystem will walk the file system, starting at the directory provided,
// and construct a map of all the files inside (including any inside of nested directories).
// Files whose paths are included in the 'known' map will NOT be included in the result.
// The key of the returned map is the path, and the value contains the FileInfo
func recursivelyWalkFileSystem(rootDirPath string, known map[string]bool) (map[string]fs.FileInfo, error) {
	foundItems := make(map[string]fs.FileInfo, 0)
	err := filepath.WalkDir(rootDirPath, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !dir.IsDir() {
			fileInfo, err := dir.Info()
			if err != nil {
				return err
			}

			if _, ok := known[path]; !ok {
				foundItems[path] = fileInfo
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk file system: %w", err)
	}

	return foundItems, nil
}
