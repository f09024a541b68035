package queue_test

import (
	"testing"

	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/queue/queuetest"
)

func TestMemory(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		return queue.NewMemory()
	})
}
