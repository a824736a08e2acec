package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveConfidence(t *testing.T) {
	t.Parallel()

	t.Run("unverified uses stored score", func(t *testing.T) {
		t.Parallel()
		a := &KnowledgeAtom{Confidence: 0.72}
		assert.InDelta(t, 0.72, a.EffectiveConfidence(), 1e-9)
	})

	t.Run("verified pins to one", func(t *testing.T) {
		t.Parallel()
		a := &KnowledgeAtom{Confidence: 0.72, HumanVerified: true}
		assert.InDelta(t, 1.0, a.EffectiveConfidence(), 1e-9)
		assert.InDelta(t, 0.72, a.Confidence, 1e-9, "stored score must not change")
	})
}

func TestValidDocumentType(t *testing.T) {
	t.Parallel()

	for _, dt := range AllDocumentTypes() {
		assert.True(t, ValidDocumentType(dt), "%s should be valid", dt)
	}
	assert.False(t, ValidDocumentType("manual"))
	assert.False(t, ValidDocumentType(""))
}

func TestSuperseded(t *testing.T) {
	t.Parallel()

	assert.False(t, (&KnowledgeAtom{}).Superseded())
	assert.True(t, (&KnowledgeAtom{SupersededBy: "a-2"}).Superseded())
}
