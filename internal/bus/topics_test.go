package bus

import (
	"testing"
	"time"

	"github.com/basket/taskflow/internal/coordinator"
)

func TestTopicFor(t *testing.T) {
	cases := map[coordinator.EventKind]string{
		coordinator.EventPlanReady:           TopicPlanReady,
		coordinator.EventTaskStatus:          TopicTaskStatus,
		coordinator.EventStats:               TopicStats,
		coordinator.EventAgentStatus:         TopicAgents,
		coordinator.EventLog:                 TopicLog,
		coordinator.EventAllTasksDone:        TopicRunDone,
		coordinator.EventOrchestrationFailed: TopicRunFailed,
		coordinator.EventKind("mystery"):     "run.other",
	}
	for kind, want := range cases {
		if got := TopicFor(kind); got != want {
			t.Fatalf("TopicFor(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestEmitter_PublishesOnRunTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicRunPrefix)
	defer b.Unsubscribe(sub)

	emit := Emitter(b)
	emit(coordinator.Event{Kind: coordinator.EventTaskStatus, TaskID: 2, Status: coordinator.StatusCompleted})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStatus {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(coordinator.Event)
		if !ok || payload.TaskID != 2 || payload.Status != coordinator.StatusCompleted {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEmitter_NeverBlocks(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("", 1)
	defer b.Unsubscribe(sub)

	emit := Emitter(b)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			emit(coordinator.Event{Kind: coordinator.EventStats})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter blocked on a full subscriber")
	}
	if sub.Dropped() != 49 {
		t.Fatalf("dropped = %d, want 49", sub.Dropped())
	}
}

func TestTee(t *testing.T) {
	var a, b []coordinator.EventKind
	emit := Tee(
		func(ev coordinator.Event) { a = append(a, ev.Kind) },
		nil,
		func(ev coordinator.Event) { b = append(b, ev.Kind) },
	)
	emit(coordinator.Event{Kind: coordinator.EventLog})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both emitters called, got %v %v", a, b)
	}
}
