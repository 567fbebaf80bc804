package main

import (
	"fmt"
	"sync"
)

// CouncilStatus is the pipeline state for one council message.
type CouncilStatus string

const (
	StatusPending       CouncilStatus = "pending"
	StatusStage1Running CouncilStatus = "stage1_running"
	StatusStage1Done    CouncilStatus = "stage1_done"
	StatusStage2Running CouncilStatus = "stage2_running"
	StatusStage2Done    CouncilStatus = "stage2_done"
	StatusStage3Running CouncilStatus = "stage3_running"
	StatusStage3Done    CouncilStatus = "stage3_done"
	StatusError         CouncilStatus = "error"
)

// validTransitions encodes the pipeline state machine. The error state is
// reachable from running states only: individual model failures are absorbed
// as data, so a stage that completed never turns into an error afterwards.
var validTransitions = map[CouncilStatus][]CouncilStatus{
	StatusPending:       {StatusStage1Running},
	StatusStage1Running: {StatusStage1Done, StatusError},
	StatusStage1Done:    {StatusStage2Running},
	StatusStage2Running: {StatusStage2Done, StatusError},
	StatusStage2Done:    {StatusStage3Running},
	StatusStage3Running: {StatusStage3Done, StatusError},
}

// Terminal reports whether no further transition is possible.
func (s CouncilStatus) Terminal() bool {
	return s == StatusStage3Done || s == StatusError
}

// canTransition reports whether next is a legal successor of s.
func (s CouncilStatus) canTransition(next CouncilStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress event types. Stage-level events carry stable input-order
// payloads; answer_result and ranking_result arrive in completion order.
type ProgressEventType string

const (
	EventStageStart     ProgressEventType = "stage_start"
	EventAnswerResult   ProgressEventType = "answer_result"
	EventRankingResult  ProgressEventType = "ranking_result"
	EventAggregateReady ProgressEventType = "aggregate_ready"
	EventStageDone      ProgressEventType = "stage_done"
	EventFinalResult    ProgressEventType = "final_result"
	EventPipelineError  ProgressEventType = "pipeline_error"
	EventTitleComplete  ProgressEventType = "title_complete"
	EventComplete       ProgressEventType = "complete"
)

// ProgressEvent is one entry of a council message's progress log.
type ProgressEvent struct {
	Type    ProgressEventType `json:"type"`
	Stage   int               `json:"stage,omitempty"`
	Data    interface{}       `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
}

// subscriberBuffer sizes subscription channels. A full pipeline run emits a
// couple of dozen events, so overflow only happens with a stuck consumer.
const subscriberBuffer = 256

// EventLog is the append-only progress log for one council message. The
// pipeline appends; transports subscribe and forward. Subscribers always see
// the events already logged first, then live events, in append order.
type EventLog struct {
	mu     sync.Mutex
	status CouncilStatus
	events []ProgressEvent
	subs   []chan ProgressEvent
	closed bool
}

// NewEventLog creates an empty log in the pending state.
func NewEventLog() *EventLog {
	return &EventLog{status: StatusPending}
}

// Status returns the current pipeline state.
func (l *EventLog) Status() CouncilStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Events returns a copy of everything logged so far.
func (l *EventLog) Events() []ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProgressEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Append adds an event without changing state. Appends after Close are
// dropped.
func (l *EventLog) Append(ev ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(ev)
}

// Transition moves the state machine to next and logs ev atomically.
// Illegal transitions log nothing and return an error.
func (l *EventLog) Transition(next CouncilStatus, ev ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.status.canTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", l.status, next)
	}
	l.status = next
	l.appendLocked(ev)
	return nil
}

// Fail moves to the error state and logs a pipeline_error event. Used only
// for pipeline-fatal conditions; per-model failures never come through here.
func (l *EventLog) Fail(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.Terminal() {
		return
	}
	l.status = StatusError
	l.appendLocked(ProgressEvent{Type: EventPipelineError, Message: message})
}

// Subscribe returns a channel that replays the logged events and then
// delivers live ones. The channel closes when the log closes.
func (l *EventLog) Subscribe() <-chan ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	for _, ev := range l.events {
		ch <- ev
	}
	if l.closed {
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	return ch
}

// Close ends delivery: subscriber channels are closed and later appends are
// dropped.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}

func (l *EventLog) appendLocked(ev ProgressEvent) {
	if l.closed {
		return
	}
	l.events = append(l.events, ev)
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Consumer stopped draining; dropping beats blocking the
			// pipeline.
		}
	}
}
