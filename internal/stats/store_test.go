package stats_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/stats"
)

func TestStore_GetAllListsEveryRole(t *testing.T) {
	s := stats.NewStore()
	snap := s.GetAll()

	require.Len(t, snap, 2)
	assert.Nil(t, snap[domain.RoleLinux])
	assert.Nil(t, snap[domain.RoleWindows])
	assert.False(t, s.Has(domain.RoleLinux))
}

func TestStore_PutReplaces(t *testing.T) {
	s := stats.NewStore()
	s.Put(domain.RoleWindows, &domain.MachineStats{MachineID: domain.RoleWindows, CPUPercent: 10, Extra: map[string]any{"gpu": 1}})
	s.Put(domain.RoleWindows, &domain.MachineStats{MachineID: domain.RoleWindows, CPUPercent: 20})

	got, ok := s.Get(domain.RoleWindows)
	require.True(t, ok)
	assert.Equal(t, 20.0, got.CPUPercent)
	assert.Nil(t, got.Extra, "replace must not merge")
	assert.True(t, s.Has(domain.RoleWindows))
	assert.False(t, s.Has(domain.RoleLinux))
}

func TestStore_NoAliasing(t *testing.T) {
	s := stats.NewStore()
	rec := &domain.MachineStats{CPUPercent: 1, Extra: map[string]any{"k": "v"}}
	s.Put(domain.RoleLinux, rec)
	rec.CPUPercent = 99
	rec.Extra["k"] = "changed"

	got, _ := s.Get(domain.RoleLinux)
	assert.Equal(t, 1.0, got.CPUPercent)
	assert.Equal(t, "v", got.Extra["k"])

	got.CPUPercent = 50
	again, _ := s.Get(domain.RoleLinux)
	assert.Equal(t, 1.0, again.CPUPercent)
}

func TestStore_ConcurrentPutGet(t *testing.T) {
	s := stats.NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Put(domain.RoleWindows, &domain.MachineStats{CPUPercent: float64(i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.GetAll()
		}()
	}
	wg.Wait()
	assert.True(t, s.Has(domain.RoleWindows))
}
