package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/parallel-runner/internal/model"
)

func TestLocalBus_SubscribeByKind(t *testing.T) {
	bus := NewLocalBus()

	var ready []WorkerReady
	bus.Subscribe(KindWorkerReady, func(ev Event) {
		ready = append(ready, ev.(WorkerReady))
	})

	bus.Publish(WorkerReady{WorkerID: 3})
	bus.Publish(WorkerRestarted{WorkerID: 4})

	require.Len(t, ready, 1)
	require.Equal(t, 3, ready[0].WorkerID)
}

func TestLocalBus_SubscribeAll(t *testing.T) {
	bus := NewLocalBus()

	var kinds []Kind
	bus.SubscribeAll(func(ev Event) {
		kinds = append(kinds, ev.Kind())
	})

	bus.Publish(WorkerReady{WorkerID: 0})
	bus.Publish(ExecutionCompleted{RunID: "r1"})

	require.Equal(t, []Kind{KindWorkerReady, KindExecutionComplete}, kinds)
}

func TestLocalBus_Cancel(t *testing.T) {
	bus := NewLocalBus()

	count := 0
	cancel := bus.Subscribe(KindWorkerReady, func(Event) { count++ })

	bus.Publish(WorkerReady{WorkerID: 0})
	cancel()
	bus.Publish(WorkerReady{WorkerID: 0})

	require.Equal(t, 1, count)
}

func TestLocalBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewLocalBus()

	// Must be a no-op, not a panic.
	bus.Publish(TaskCompleted{Result: &model.TaskResult{TaskID: "t1"}})
}

func TestLocalBus_PublishAfterClose(t *testing.T) {
	bus := NewLocalBus()

	count := 0
	bus.Subscribe(KindWorkerReady, func(Event) { count++ })
	bus.Close()
	bus.Publish(WorkerReady{WorkerID: 0})

	require.Equal(t, 0, count)
}

func TestSubject(t *testing.T) {
	require.Equal(t, "runner.task.assigned", Subject(KindTaskAssigned))
	require.Equal(t, "runner.execution.complete", Subject(KindExecutionComplete))
	require.Equal(t, "runner.worker.isolated", Subject(KindWorkerIsolated))
}

func TestLocalBus_ConcurrentPublish(t *testing.T) {
	bus := NewLocalBus()

	got := make(chan Kind, 200)
	bus.SubscribeAll(func(ev Event) { got <- ev.Kind() })

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				bus.Publish(WorkerReady{WorkerID: j})
			}
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	deadline := time.After(time.Second)
	for i := 0; i < 200; i++ {
		select {
		case <-got:
		case <-deadline:
			t.Fatal("missing events")
		}
	}
}
