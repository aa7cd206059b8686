package event_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/go-chanassert"
	"github.com/stretchr/testify/assert"
)

func Test_Notifier_DispatchesModelChange(t *testing.T) {
	bus := event.New()
	ch := make(chan event.HandlerEvent, 10)
	bus.RegisterHandlerChannel(ch, event.MODEL_CHANGE)

	id := uuid.New()
	exp := chanassert.NewChannelExpecter(ch).Expect(
		chanassert.OneOf(chanassert.MatchPredicate(func(ev event.HandlerEvent) bool {
			change, ok := ev.Payload.(event.ModelChange)
			return ok && change.ID == id && change.Action == event.CreateAction && change.Model == event.AudioModel
		})),
	)
	exp.Listen()

	event.NewNotifier(bus).Notify(event.AudioModel, id, event.CreateAction, nil)
	exp.AssertSatisfied(t, time.Second)
}

func Test_Dispatch_RejectsIllegalPayload(t *testing.T) {
	bus := event.New()

	calls := 0
	bus.RegisterHandlerFunction(event.DOWNLOAD_PROGRESS, func(event.Event, event.Payload) { calls++ })

	bus.Dispatch(event.DOWNLOAD_PROGRESS, "not a progress payload")
	assert.Equal(t, 0, calls, "handler should not be invoked for invalid payload")

	bus.Dispatch(event.DOWNLOAD_PROGRESS, event.TransferProgress{Name: "foo", State: event.TransferProgressing})
	assert.Equal(t, 1, calls)
}

func Test_TransferState_IsTerminal(t *testing.T) {
	assert.False(t, event.TransferProgressing.IsTerminal())
	for _, s := range []event.TransferState{event.TransferCompleted, event.TransferCancelled, event.TransferInterrupted} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
}

func Test_Notify_DoesNotBlockOnFullObserver(t *testing.T) {
	bus := event.New()
	ch := make(chan event.HandlerEvent, 100)
	bus.RegisterHandlerChannel(ch, event.MODEL_CHANGE)

	notifier := event.NewNotifier(bus)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 101; i++ {
			notifier.Notify(event.AudioModel, uuid.New(), event.UpdateAction, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on an observer which stopped reading")
	}
	assert.Len(t, ch, 100)
}

func Test_DeregisterHandlerChannel_StopsDelivery(t *testing.T) {
	bus := event.New()
	ch := make(chan event.HandlerEvent, 10)
	bus.RegisterHandlerChannel(ch, event.MODEL_CHANGE, event.DOWNLOAD_PROGRESS)
	bus.DeregisterHandlerChannel(ch)

	event.NewNotifier(bus).Notify(event.AudioModel, uuid.New(), event.CreateAction, nil)
	bus.Dispatch(event.DOWNLOAD_PROGRESS, event.TransferProgress{Name: "clip", State: event.TransferCompleted})
	assert.Empty(t, ch)
}
