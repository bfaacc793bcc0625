package bus

import "github.com/basket/taskflow/internal/coordinator"

// Run event topics. Every payload is a coordinator.Event.
const (
	TopicRunPrefix      = "run."
	TopicPlanReady      = "run.plan_ready"
	TopicTaskStatus     = "run.task_status"
	TopicStats          = "run.stats"
	TopicAgents         = "run.agents"
	TopicLog            = "run.log"
	TopicRunDone        = "run.done"
	TopicRunFailed      = "run.failed"
	topicRunUnknownKind = "run.other"
)

var kindTopics = map[coordinator.EventKind]string{
	coordinator.EventPlanReady:           TopicPlanReady,
	coordinator.EventTaskStatus:          TopicTaskStatus,
	coordinator.EventStats:               TopicStats,
	coordinator.EventAgentStatus:         TopicAgents,
	coordinator.EventLog:                 TopicLog,
	coordinator.EventAllTasksDone:        TopicRunDone,
	coordinator.EventOrchestrationFailed: TopicRunFailed,
}

// TopicFor maps a scheduler event kind to its bus topic.
func TopicFor(kind coordinator.EventKind) string {
	if t, ok := kindTopics[kind]; ok {
		return t
	}
	return topicRunUnknownKind
}

// Emitter adapts b into a scheduler emitter. Publishing never blocks, so the
// scheduler is never held up by a slow consumer.
func Emitter(b *Bus) coordinator.Emitter {
	return func(ev coordinator.Event) {
		b.Publish(TopicFor(ev.Kind), ev)
	}
}

// Tee returns an emitter that forwards each event to every non-nil emitter
// in order.
func Tee(emitters ...coordinator.Emitter) coordinator.Emitter {
	return func(ev coordinator.Event) {
		for _, e := range emitters {
			if e != nil {
				e(ev)
			}
		}
	}
}
