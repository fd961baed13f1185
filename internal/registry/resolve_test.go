package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servidor/internal/method"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	rows := []MetadataRow{
		{Method: "Relatório Diário", Automation: "Financeiro", Area: "FIN", Status: "Ativo", Recurrence: "08:00", Weekdays: "segunda"},
		{Method: "Conciliação", Automation: "Contábil", Status: "ISOLADO"},
		{Method: "Sem Arquivo", Automation: "X"},
		{Method: "Folha", Automation: "", Status: "inativo"},
	}
	exes := []Executable{
		{Category: "fin", Path: "/m/fin/relatorio_diario.py"},
		{Category: "cont", Path: "/m/cont/conciliacao.exe"},
		{Category: "rh", Path: "/m/rh/folha.bat"},
		{Category: "misc", Path: "/m/misc/orfao.sh"},
	}

	m := Resolve(rows, exes)
	require.Len(t, m, 4)

	rel := m["relatoriodiario"]
	assert.Equal(t, "Financeiro", rel.Category)
	assert.Equal(t, "FIN", rel.Area)
	assert.Equal(t, "Relatório Diário", rel.Name)
	assert.Equal(t, "/m/fin/relatorio_diario.py", rel.Path)
	assert.Equal(t, method.Active, rel.Status)
	assert.True(t, rel.HasMetadata)

	assert.Equal(t, method.CategoryIsolated, m["conciliacao"].Category)
	assert.Equal(t, method.Isolated, m["conciliacao"].Status)

	// Empty automation name falls back to the directory.
	assert.Equal(t, "rh", m["folha"].Category)
	assert.Equal(t, method.Inactive, m["folha"].Status)

	orf := m["orfao"]
	assert.Equal(t, method.CategoryUnassigned, orf.Category)
	assert.False(t, orf.HasMetadata)

	_, ok := m["semarquivo"]
	assert.False(t, ok)
}

func TestResolveLastRowWins(t *testing.T) {
	t.Parallel()

	rows := []MetadataRow{
		{Method: "carga", Automation: "A", Recurrence: "08:00"},
		{Method: "CARGA", Automation: "B", Recurrence: "09:00"},
	}
	m := Resolve(rows, []Executable{{Path: "/m/x/carga.py"}})
	assert.Equal(t, "B", m["carga"].Category)
	assert.Equal(t, "09:00", m["carga"].Recurrence)
}

func TestResolveNoMetadata(t *testing.T) {
	t.Parallel()

	exes := []Executable{{Category: "a", Path: "/m/a/one.py"}, {Category: "b", Path: "/m/b/two.py"}}
	for _, rows := range [][]MetadataRow{nil, {}, {{Method: ""}, {Method: "   "}}} {
		m := Resolve(rows, exes)
		require.Len(t, m, 2)
		for _, info := range m {
			assert.Equal(t, method.CategoryUnassigned, info.Category)
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	rows := []MetadataRow{{Method: "a", Automation: "X"}}
	exes := []Executable{{Path: "/m/a.py"}, {Path: "/m/b.py"}}
	assert.Equal(t, Resolve(rows, exes), Resolve(rows, exes))
}

func TestMappingLookup(t *testing.T) {
	t.Parallel()

	m := Resolve([]MetadataRow{
		{Method: "Relatório Diário"},
		{Method: "Relatório Mensal"},
		{Method: "Backup"},
	}, []Executable{
		{Path: "/m/relatorio_diario.py"},
		{Path: "/m/relatorio_mensal.py"},
		{Path: "/m/backup.sh"},
	})

	info, ok := m.Lookup("relatorio_diario")
	require.True(t, ok)
	assert.Equal(t, "relatoriodiario", info.Key)

	info, ok = m.Lookup("BACKUP")
	require.True(t, ok)
	assert.Equal(t, "backup", info.Key)

	// Prefix tie goes to the smallest key.
	info, ok = m.Lookup("relatório")
	require.True(t, ok)
	assert.Equal(t, "relatoriodiario", info.Key)

	_, ok = m.Lookup("inexistente")
	assert.False(t, ok)
	_, ok = m.Lookup("  ")
	assert.False(t, ok)
}

func TestMappingCategories(t *testing.T) {
	t.Parallel()

	m := Resolve(nil, []Executable{{Path: "/m/b.py"}, {Path: "/m/a.py"}})
	assert.Equal(t, map[string][]string{method.CategoryUnassigned: {"a", "b"}}, m.Categories())
}
