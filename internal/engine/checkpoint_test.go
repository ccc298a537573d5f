package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

func sampleCheckpoint() *Checkpoint {
	reg := newRegistry()
	reg[txlog.Subjects]["a"] = Artifact{
		Category:   txlog.Subjects,
		Name:       "a",
		Definition: txlog.Definition{Expression: expr("rx://a"), State: ir.Null{}},
		Seq:        1,
	}
	reg[txlog.Observers]["o"] = Artifact{
		Category:   txlog.Observers,
		Name:       "o",
		Definition: txlog.Definition{Expression: expr("rx://o"), State: ir.Int(7)},
		Seq:        2,
	}
	return &Checkpoint{ID: "ckpt-1", Version: 2, Seq: 2, artifacts: reg}
}

func TestCheckpoint_MarshalCanonical(t *testing.T) {
	data, err := sampleCheckpoint().Marshal()
	require.NoError(t, err)

	want := `{"artifacts":{` +
		`"observables":{},` +
		`"observers":{"o":{"expression":{"uri":"rx://o"},"seq":2,"state":7}},` +
		`"subject-factories":{},` +
		`"subjects":{"a":{"expression":{"uri":"rx://a"},"seq":1,"state":null}},` +
		`"subscription-factories":{},` +
		`"subscriptions":{}},` +
		`"id":"ckpt-1","seq":2,"version":2}`
	assert.Equal(t, want, string(data))
}

func TestCheckpoint_ParseRoundTrip(t *testing.T) {
	orig := sampleCheckpoint()
	data, err := orig.Marshal()
	require.NoError(t, err)

	got, err := ParseCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Version, got.Version)
	assert.Equal(t, orig.Seq, got.Seq)
	assert.Equal(t, 2, got.Count())

	o := got.Artifacts(txlog.Observers)["o"]
	assert.Equal(t, txlog.Observers, o.Category)
	assert.True(t, ir.Equal(ir.Int(7), o.Definition.State))

	fpOrig, err := orig.Fingerprint()
	require.NoError(t, err)
	fpGot, err := got.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fpOrig, fpGot)
}

func TestParseCheckpoint_Malformed(t *testing.T) {
	for name, data := range map[string]string{
		"not json":          `{`,
		"array":             `[]`,
		"missing id":        `{"artifacts":{},"seq":0,"version":1}`,
		"string version":    `{"artifacts":{},"id":"x","seq":0,"version":"1"}`,
		"missing artifacts": `{"id":"x","seq":0,"version":1}`,
		"unknown category":  `{"artifacts":{"widgets":{}},"id":"x","seq":0,"version":1}`,
		"entry not object":  `{"artifacts":{"subjects":{"a":1}},"id":"x","seq":0,"version":1}`,
		"entry no seq":      `{"artifacts":{"subjects":{"a":{"expression":null}}},"id":"x","seq":0,"version":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCheckpoint([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestArtifact_Fingerprint(t *testing.T) {
	a := Artifact{Definition: txlog.Definition{Expression: expr("rx://a")}}
	b := Artifact{Definition: txlog.Definition{Expression: expr("rx://a")}, Seq: 9}
	c := Artifact{Definition: txlog.Definition{Expression: expr("rx://c")}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
