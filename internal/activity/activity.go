// Package activity forwards model changes and download progress from the
// event bus to websocket clients. Bursts of events for the same resource
// are debounced in to a single update carrying the latest payload.
package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/http/websocket"
	"github.com/hbomb79/Mimic/pkg/logger"
)

var log = logger.Get("Activity")

const (
	TitleModelChange      = "MODEL_CHANGE"
	TitleDownloadProgress = "DOWNLOAD_PROGRESS"
)

type (
	Config struct {
		Debounce      time.Duration `yaml:"debounce" env:"ACTIVITY_DEBOUNCE" env-default:"2s"`
		MaxDelay      time.Duration `yaml:"max_delay" env:"ACTIVITY_MAX_DELAY" env-default:"5s"`
		RapidDebounce time.Duration `yaml:"rapid_debounce" env:"ACTIVITY_RAPID_DEBOUNCE" env-default:"500ms"`
		RapidMaxDelay time.Duration `yaml:"rapid_max_delay" env:"ACTIVITY_RAPID_MAX_DELAY" env-default:"2s"`
	}

	Broadcaster interface {
		Send(*websocket.SocketMessage)
	}

	eventKey struct {
		ev  event.Event
		key string
	}

	Service struct {
		*sync.Mutex
		config         Config
		broadcaster    Broadcaster
		eventBus       event.EventHandler
		latest         map[eventKey]event.Payload
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
	}
)

func New(config Config, broadcaster Broadcaster, eventBus event.EventHandler) *Service {
	return &Service{
		Mutex:          &sync.Mutex{},
		config:         config,
		broadcaster:    broadcaster,
		eventBus:       eventBus,
		latest:         make(map[eventKey]event.Payload),
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
	}
}

func (service *Service) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan, event.MODEL_CHANGE, event.DOWNLOAD_PROGRESS)
	defer service.eventBus.DeregisterHandlerChannel(messageChan)

	log.Emit(logger.NEW, "Activity service started\n")
	defer service.stopAllTimers()
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev.Event, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *Service) handleEvent(ev event.HandlerEvent) error {
	switch payload := ev.Payload.(type) {
	case event.ModelChange:
		key := eventKey{ev: ev.Event, key: fmt.Sprintf("%s/%s", payload.Model, payload.ID)}
		// Destroys are never superseded, so there is nothing to coalesce
		if payload.Action == event.DestroyAction {
			service.flush(key, payload)
			return nil
		}
		service.schedule(key, payload, service.config.Debounce, service.config.MaxDelay)
	case event.TransferProgress:
		key := eventKey{ev: ev.Event, key: payload.Name}
		if payload.State.IsTerminal() {
			service.flush(key, payload)
			return nil
		}
		service.schedule(key, payload, service.config.RapidDebounce, service.config.RapidMaxDelay)
	default:
		return fmt.Errorf("illegal payload %T", ev.Payload)
	}

	return nil
}

// schedule records the payload as the latest for the key, and (re)arms a
// debounce timer. A max timer guarantees that a constant stream of events
// is still broadcast periodically.
func (service *Service) schedule(key eventKey, payload event.Payload, debounce time.Duration, maxDelay time.Duration) {
	service.Lock()
	defer service.Unlock()

	service.latest[key] = payload
	broadcaster := func() { service.broadcast(key) }

	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
	}
	service.debounceTimers[key] = time.AfterFunc(debounce, broadcaster)

	if _, ok := service.maxTimers[key]; !ok {
		service.maxTimers[key] = time.AfterFunc(maxDelay, broadcaster)
	}
}

// flush broadcasts the payload immediately, discarding any pending
// update for the same key.
func (service *Service) flush(key eventKey, payload event.Payload) {
	service.Lock()
	service.latest[key] = payload
	service.Unlock()

	service.broadcast(key)
}

func (service *Service) broadcast(key eventKey) {
	service.Lock()
	service.stopTimers(key)
	payload, ok := service.latest[key]
	delete(service.latest, key)
	service.Unlock()

	if !ok {
		return
	}

	title := TitleModelChange
	if key.ev == event.DOWNLOAD_PROGRESS {
		title = TitleDownloadProgress
	}

	service.broadcaster.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]any{"payload": payload},
		Type:  websocket.Update,
	})
}

func (service *Service) stopTimers(key eventKey) {
	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
		delete(service.debounceTimers, key)
	}

	if t, ok := service.maxTimers[key]; ok {
		t.Stop()
		delete(service.maxTimers, key)
	}
}

func (service *Service) stopAllTimers() {
	service.Lock()
	defer service.Unlock()

	for key := range service.debounceTimers {
		service.stopTimers(key)
	}
	for key := range service.maxTimers {
		service.stopTimers(key)
	}
}
