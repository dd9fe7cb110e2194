package queue_test

import (
	"testing"

	"github.com/ramiqadoumi/crosslink/internal/queue"
	"github.com/ramiqadoumi/crosslink/internal/queue/queuetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	queuetest.Run(t, func(*testing.T) queue.Store { return queue.NewMemoryStore() })
}
