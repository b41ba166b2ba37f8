package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "<&>"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"<&>","z":true},"b":1}`, string(out))
}

func TestMarshalCanonical_StructFieldsSorted(t *testing.T) {
	out, err := MarshalCanonical(StepRef{Phase: PhaseSetup, StepID: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"phase":"setup","step_id":"x"}`, string(out))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed, err := MarshalCanonical(map[string]any{"name": "cafe\u0301"})
	require.NoError(t, err)
	composed, err := MarshalCanonical(map[string]any{"name": "caf\u00e9"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_PreservesNumbers(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"big": int64(9007199254740993), "f": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"f":1.5}`, string(out))
}

func TestMarshalCanonical_RejectsUnencodable(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestFingerprint_StableAndContentSensitive(t *testing.T) {
	s := NewSession(testKey, t0)
	a, err := Fingerprint(s)
	require.NoError(t, err)
	assert.Len(t, a, 64)

	again, err := Fingerprint(s.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, again)

	changed := mustApply(t, s, PhaseSetup, "x", StatusInProgress)
	b, err := Fingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashWithDomain_Separation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
	assert.Equal(t, hashWithDomain("a", data), hashWithDomain("a", data))
}
