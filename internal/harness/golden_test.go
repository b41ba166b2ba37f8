package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalTrace_Canonical(t *testing.T) {
	result := NewResult()
	result.AddActionTrace(0, Action{Do: DoAdvance, Ms: 2000})
	result.AddCallTrace(2000, "save_step", "validation", "step<1>", "completed", true)

	data, err := MarshalTrace("demo", result)
	require.NoError(t, err)

	want := `{"scenario_name":"demo","trace":[` +
		`{"action":"advance","at_ms":0,"ms":2000,"type":"action"},` +
		`{"at_ms":2000,"failed":true,"op":"save_step","phase":"validation","status":"completed","step":"step<1>","type":"call"}]}`
	assert.Equal(t, want, string(data))
}

func TestMarshalTrace_EmptyTrace(t *testing.T) {
	data, err := MarshalTrace("empty", &Result{})
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"empty","trace":[]}`, string(data))
}

func TestAssertGolden_RoundTrip(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/single_step_completion.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}
