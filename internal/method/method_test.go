package method

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Relatório_Diário.py", "relatoriodiario"},
		{"RELATORIO DIARIO", "relatoriodiario"},
		{"conciliação-bancária.EXE", "conciliacaobancaria"},
		{"backup.tar", "backuptar"},
		{"  Extração 2.0.bat ", "extracao20"},
		{"dir/sub/Método.sh", "metodo"},
		{"Søren Æbelø.py", "sorenaebelo"},
		{"Straße_Łódź", "strasselodz"},
		{"ŒUVRE Þór", "oeuvrethor"},
		{"", ""},
		{"___", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "Normalize(%q)", tc.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"Relatório_Diário.py", "a.py.py", "ÇÃO", "x", "Folha Pagamento.PS1", ".", "Gøteborg ß"}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "Normalize not idempotent for %q", in)
	}
}

func TestNormalizeCollisions(t *testing.T) {
	t.Parallel()

	// Names differing only by accents, case, punctuation or extension share a key.
	assert.Equal(t, Normalize("Extração Fiscal.py"), Normalize("extracao_fiscal"))
	assert.Equal(t, Normalize("EXTRACAO-FISCAL.exe"), Normalize("Extração Fiscal"))
}

func TestParseActivation(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Isolated, ParseActivation("ISOLADO"))
	assert.Equal(t, Isolated, ParseActivation("Isolated"))
	assert.Equal(t, Inactive, ParseActivation("Inativo"))
	assert.Equal(t, Inactive, ParseActivation("inactive"))
	assert.Equal(t, Active, ParseActivation("ativo"))
	assert.Equal(t, Active, ParseActivation(""))
}

func TestFold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "terca-feira", Fold("  Terça-Feira "))
	assert.Equal(t, "sabado", Fold("SÁBADO"))
	assert.Equal(t, "kobenhavn strasse", Fold("København Straße"))
}
