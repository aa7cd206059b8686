package activity_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/activity"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/http/websocket"
	"github.com/hbomb79/go-chanassert"
	"github.com/stretchr/testify/assert"
)

type channelBroadcaster chan websocket.SocketMessage

func (ch channelBroadcaster) Send(message *websocket.SocketMessage) { ch <- *message }

func startService(t *testing.T, config activity.Config) (event.EventCoordinator, channelBroadcaster) {
	bus := event.New()
	out := make(channelBroadcaster, 32)
	service := activity.New(config, out, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, service.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Allow the service to register its handler channel before dispatching
	time.Sleep(50 * time.Millisecond)
	return bus, out
}

func matchModelChange(id uuid.UUID, action event.Action) chanassert.Matcher[websocket.SocketMessage] {
	return chanassert.MatchPredicate(func(message websocket.SocketMessage) bool {
		change, ok := message.Body["payload"].(event.ModelChange)
		return message.Title == activity.TitleModelChange && ok && change.ID == id && change.Action == action
	})
}

func Test_ModelChanges_Debounced(t *testing.T) {
	bus, out := startService(t, activity.Config{Debounce: 100 * time.Millisecond, MaxDelay: time.Second})

	id := uuid.New()
	notifier := event.NewNotifier(bus)
	notifier.Notify(event.AudioModel, id, event.CreateAction, nil)
	notifier.Notify(event.AudioModel, id, event.UpdateAction, nil)

	select {
	case message := <-out:
		change := message.Body["payload"].(event.ModelChange)
		assert.Equal(t, id, change.ID)
		assert.Equal(t, event.UpdateAction, change.Action, "expected only the latest change to be broadcast")
	case <-time.After(time.Second):
		t.Fatal("expected a debounced broadcast")
	}

	assert.Never(t, func() bool { return len(out) > 0 }, 300*time.Millisecond, 50*time.Millisecond)
}

func Test_Destroy_BroadcastImmediately(t *testing.T) {
	bus, out := startService(t, activity.Config{Debounce: time.Hour, MaxDelay: time.Hour})

	id := uuid.New()
	exp := chanassert.NewChannelExpecter(out).Expect(chanassert.OneOf(matchModelChange(id, event.DestroyAction)))
	exp.Listen()

	event.NewNotifier(bus).Notify(event.RecordingModel, id, event.DestroyAction, nil)
	exp.AssertSatisfied(t, time.Second)
}

func Test_TerminalProgress_BroadcastImmediately(t *testing.T) {
	bus, out := startService(t, activity.Config{RapidDebounce: time.Hour, RapidMaxDelay: time.Hour})

	exp := chanassert.NewChannelExpecter(out).Expect(
		chanassert.OneOf(chanassert.MatchPredicate(func(message websocket.SocketMessage) bool {
			progress, ok := message.Body["payload"].(event.TransferProgress)
			return message.Title == activity.TitleDownloadProgress && ok && progress.Name == "talk" && progress.State == event.TransferCompleted
		})),
	)
	exp.Listen()

	bus.Dispatch(event.DOWNLOAD_PROGRESS, event.TransferProgress{Name: "talk", State: event.TransferProgressing, ReceivedBytes: 10})
	bus.Dispatch(event.DOWNLOAD_PROGRESS, event.TransferProgress{Name: "talk", State: event.TransferCompleted, ReceivedBytes: 20})
	exp.AssertSatisfied(t, time.Second)
}
