package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversByKind(t *testing.T) {
	e := NewEmitter()
	var started, completed int
	e.On(AgentStarted, func(Event) { started++ })
	e.On(AgentCompleted, func(Event) { completed++ })

	e.Emit(Event{Kind: AgentStarted, WorkflowID: "wf_1"})
	e.Emit(Event{Kind: AgentStarted, WorkflowID: "wf_1"})
	e.Emit(Event{Kind: AgentCompleted, WorkflowID: "wf_1"})

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, completed)
}

func TestEmitterOnAll(t *testing.T) {
	e := NewEmitter()
	var seen []Kind
	e.OnAll(func(ev Event) { seen = append(seen, ev.Kind) })

	e.Emit(Event{Kind: WorkflowStalled})
	e.Emit(Event{Kind: WorkflowAllComplete})

	assert.Equal(t, []Kind{WorkflowStalled, WorkflowAllComplete}, seen)
}

func TestEmitterSwallowsPanickingListeners(t *testing.T) {
	e := NewEmitter()
	var after int
	e.On(AgentFailed, func(Event) { panic("broken listener") })
	e.On(AgentFailed, func(Event) { after++ })

	assert.NotPanics(t, func() {
		e.Emit(Event{Kind: AgentFailed})
	})
	assert.Equal(t, 1, after, "later listeners still run")
}

func TestEmitStampsTime(t *testing.T) {
	e := NewEmitter()
	var got Event
	e.On(AgentQuery, func(ev Event) { got = ev })
	e.Emit(Event{Kind: AgentQuery})
	assert.False(t, got.Time.IsZero())
}
