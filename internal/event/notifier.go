package event

import "github.com/google/uuid"

// Notifier fans out model changes to any observers of the event bus.
// Delivery is best-effort and in-process only.
type Notifier interface {
	Notify(model Model, id uuid.UUID, action Action, record any)
}

type busNotifier struct {
	dispatcher EventDispatcher
}

func NewNotifier(dispatcher EventDispatcher) Notifier {
	return &busNotifier{dispatcher: dispatcher}
}

func (n *busNotifier) Notify(model Model, id uuid.UUID, action Action, record any) {
	n.dispatcher.Dispatch(MODEL_CHANGE, ModelChange{Model: model, ID: id, Action: action, Record: record})
}
