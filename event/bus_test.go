package event

import (
	"testing"

	"github.com/onnwee/tmi-engine/state"
)

func TestMultipleSubscribersInOrder(t *testing.T) {
	b := NewBus()
	var order []int
	b.OnChat(func(Chat) { order = append(order, 1) })
	b.OnChat(func(Chat) { order = append(order, 2) })

	msg := &state.ChatMessage{ID: "abc", Text: "hello"}
	b.PublishChat(Chat{Message: msg})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("dispatch order = %v, want [1 2]", order)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	// Must not panic.
	b.PublishReady(Ready{})
	b.PublishClosed(Closed{})
	b.PublishUserJoined(UserJoined{})
}

func TestSynchronousDispatch(t *testing.T) {
	b := NewBus()
	fired := false
	b.OnOpened(func(Opened) { fired = true })
	b.PublishOpened(Opened{SessionID: "s1"})
	if !fired {
		t.Error("handler had not run when Publish returned")
	}
}
