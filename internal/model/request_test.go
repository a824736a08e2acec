package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquisitionStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []AcquisitionStatus{
		AcquisitionCompleted,
		AcquisitionExhausted,
		AcquisitionVerified,
		AcquisitionRejected,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	live := []AcquisitionStatus{
		AcquisitionPending,
		AcquisitionSearching,
		AcquisitionNeedsVerification,
		AcquisitionRetrying,
	}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "expected %s to be live", s)
	}
}

func TestAcquisitionStatusCanTransition(t *testing.T) {
	t.Parallel()

	t.Run("legal transitions", func(t *testing.T) {
		t.Parallel()
		legal := []struct {
			from, to AcquisitionStatus
		}{
			{AcquisitionPending, AcquisitionSearching},
			{AcquisitionSearching, AcquisitionCompleted},
			{AcquisitionSearching, AcquisitionNeedsVerification},
			{AcquisitionSearching, AcquisitionRetrying},
			{AcquisitionSearching, AcquisitionExhausted},
			{AcquisitionRetrying, AcquisitionSearching},
			{AcquisitionRetrying, AcquisitionExhausted},
			{AcquisitionNeedsVerification, AcquisitionVerified},
			{AcquisitionNeedsVerification, AcquisitionRejected},
		}
		for _, tc := range legal {
			assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be legal", tc.from, tc.to)
		}
	})

	t.Run("terminal statuses transition nowhere", func(t *testing.T) {
		t.Parallel()
		all := []AcquisitionStatus{
			AcquisitionPending, AcquisitionSearching, AcquisitionCompleted,
			AcquisitionNeedsVerification, AcquisitionRetrying, AcquisitionExhausted,
			AcquisitionVerified, AcquisitionRejected,
		}
		for _, from := range all {
			if !from.IsTerminal() {
				continue
			}
			for _, to := range all {
				assert.False(t, from.CanTransition(to), "%s -> %s should be illegal", from, to)
			}
		}
	})

	t.Run("illegal shortcuts rejected", func(t *testing.T) {
		t.Parallel()
		illegal := []struct {
			from, to AcquisitionStatus
		}{
			{AcquisitionPending, AcquisitionCompleted},
			{AcquisitionPending, AcquisitionExhausted},
			{AcquisitionSearching, AcquisitionVerified},
			{AcquisitionRetrying, AcquisitionCompleted},
			{AcquisitionNeedsVerification, AcquisitionSearching},
			{AcquisitionNeedsVerification, AcquisitionRetrying},
		}
		for _, tc := range illegal {
			assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be illegal", tc.from, tc.to)
		}
	})
}

func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	expected := []time.Duration{
		1 * time.Hour,
		6 * time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
		30 * 24 * time.Hour,
	}
	for attempt, want := range expected {
		d, ok := NextRetryDelay(attempt + 1)
		assert.True(t, ok, "attempt %d should be on the ladder", attempt+1)
		assert.Equal(t, want, d)
	}

	// Past the ladder the request exhausts instead of rescheduling.
	_, ok := NextRetryDelay(6)
	assert.False(t, ok)
	_, ok = NextRetryDelay(0)
	assert.False(t, ok)
	_, ok = NextRetryDelay(-1)
	assert.False(t, ok)
}

func TestBestCandidate(t *testing.T) {
	t.Parallel()

	t.Run("empty returns nil", func(t *testing.T) {
		t.Parallel()
		r := &AcquisitionRequest{}
		assert.Nil(t, r.BestCandidate())
	})

	t.Run("picks highest confidence", func(t *testing.T) {
		t.Parallel()
		r := &AcquisitionRequest{Candidates: []Candidate{
			{URL: "https://a.example.com", Confidence: 0.42},
			{URL: "https://b.example.com", Confidence: 0.91},
			{URL: "https://c.example.com", Confidence: 0.77},
		}}
		best := r.BestCandidate()
		assert.NotNil(t, best)
		assert.Equal(t, "https://b.example.com", best.URL)
	})

	t.Run("single candidate", func(t *testing.T) {
		t.Parallel()
		r := &AcquisitionRequest{Candidates: []Candidate{{URL: "https://only.example.com", Confidence: 0.1}}}
		best := r.BestCandidate()
		assert.NotNil(t, best)
		assert.Equal(t, "https://only.example.com", best.URL)
	})
}
