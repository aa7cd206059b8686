// Package event is the in-process bus through which the library announces
// model changes and transfer progress to its observers.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hbomb79/Mimic/pkg/logger"
)

var log = logger.Get("Events")

// Events emitted by various parts of Mimic. Observers are expected to treat
// these as invalidation hints and re-fetch authoritative state from the
// relevant store, rather than trusting the payload blindly.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
		DeregisterHandlerChannel(HandlerChannel)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		*sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	MODEL_CHANGE Event = "model:change"

	DOWNLOAD_PROGRESS Event = "download:update:progress"
)

func New() EventCoordinator {
	return &eventHandler{
		RWMutex:      &sync.RWMutex{},
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel subscribes the channel to each of the events given. A
// channel may be registered more than once.
//
// Delivery never blocks the dispatcher: if the channel is full when an event is
// dispatched, the event is dropped for that observer and a warning is logged.
// Observers should buffer their channel for the bursts they expect.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.Lock()
	defer handler.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// DeregisterHandlerChannel removes every subscription of the channel. The
// channel is not closed.
func (handler *eventHandler) DeregisterHandlerChannel(handle HandlerChannel) {
	handler.Lock()
	defer handler.Unlock()

	for event, handles := range handler.chanHandlers {
		kept := make([]HandlerChannel, 0, len(handles))
		for _, h := range handles {
			if h != handle {
				kept = append(kept, h)
			}
		}
		handler.chanHandlers[event] = kept
	}
}

// RegisterHandlerFunction subscribes a handler which is invoked inline by Dispatch,
// and so must return quickly.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction subscribes a handler which is invoked on its own
// goroutine for every dispatch of the event.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.Lock()
	defer handler.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch delivers the payload to every handler of the event. Payloads which
// do not match the type expected for the event are logged and dropped.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.RLock()
	fnHandles := handler.fnHandlers[event]
	chanHandles := handler.chanHandlers[event]
	handler.RUnlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if len(chanHandles) > 0 {
		payload := HandlerEvent{event, payload}
		for _, handle := range chanHandles {
			select {
			case handle <- payload:
			default:
				log.Warnf("Observer channel for %v is full, dropping event\n", event)
			}
		}
	}
}

func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case MODEL_CHANGE:
		if _, ok := payload.(ModelChange); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ModelChange payload", payloadTypeName, event)
		}

		return nil
	case DOWNLOAD_PROGRESS:
		if _, ok := payload.(TransferProgress); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected TransferProgress payload", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
