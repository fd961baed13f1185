package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servidor/internal/method"
	"servidor/internal/registry"
)

func info(key, times, days string) method.Info {
	return method.Info{
		Key:        key,
		Name:       key,
		Path:       "/metodos/" + key + ".py",
		Status:     method.Active,
		Recurrence: times,
		Weekdays:   days,
	}
}

func TestCatchUpMisses(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"fechamento": info("fechamento", "08:00, 10:00", "todos")}

	got := CatchUpMisses(at(12, 9, 30), brt, methods, nil)
	require.Len(t, got, 1)
	assert.True(t, at(12, 8, 0).Equal(got[0].Slot))

	got = CatchUpMisses(at(12, 11, 0), brt, methods, nil)
	require.Len(t, got, 2)
	assert.True(t, at(12, 8, 0).Equal(got[0].Slot))
	assert.True(t, at(12, 10, 0).Equal(got[1].Slot))
	assert.Equal(t, "/metodos/fechamento.py", got[0].Path)
}

func TestCatchUpMissesRespectsLastRun(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"fechamento": info("fechamento", "08:00, 10:00", "todos")}

	runs := map[string]time.Time{"fechamento": at(12, 8, 5)}
	got := CatchUpMisses(at(12, 11, 0), brt, methods, runs)
	require.Len(t, got, 1)
	assert.True(t, at(12, 10, 0).Equal(got[0].Slot))

	runs = map[string]time.Time{"fechamento": at(12, 10, 0)}
	assert.Empty(t, CatchUpMisses(at(12, 11, 0), brt, methods, runs))

	// A run from yesterday does not cover today's slots.
	runs = map[string]time.Time{"fechamento": at(11, 23, 0)}
	assert.Len(t, CatchUpMisses(at(12, 11, 0), brt, methods, runs), 2)
}

func TestCatchUpMissesFilters(t *testing.T) {
	t.Parallel()

	inactive := info("parado", "08:00", "todos")
	inactive.Status = method.Inactive
	isolated := info("isolado", "08:00", "todos")
	isolated.Status = method.Isolated
	noPath := info("sem_exe", "08:00", "todos")
	noPath.Path = ""

	methods := registry.Mapping{
		"parado":   inactive,
		"isolado":  isolated,
		"sem_exe":  noPath,
		"terca":    info("terca", "08:00", "terca"),
		"demanda":  info("demanda", "sob demanda", "todos"),
		"exato":    info("exato", "09:30", "segunda"),
		"b_metodo": info("b_metodo", "08:00", "segunda"),
		"a_metodo": info("a_metodo", "08:00", "segunda"),
	}

	got := CatchUpMisses(at(12, 9, 30), brt, methods, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a_metodo", got[0].Key)
	assert.Equal(t, "b_metodo", got[1].Key)
}
