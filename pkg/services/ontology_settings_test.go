package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
)

func TestWithOntologyDefaults_ZeroConfig(t *testing.T) {
	got := withOntologyDefaults(config.OntologyConfig{})

	assert.Equal(t, ontologyDefaults, got)
	assert.InDelta(t, 0.1, got.CountChangeThresholdRatio, 1e-9)
	assert.Equal(t, 3, got.StoreMaxRetries)
}

func TestWithOntologyDefaults_KeepsExplicitValues(t *testing.T) {
	got := withOntologyDefaults(config.OntologyConfig{
		AcceptanceThreshold:       0.9,
		RejectionThreshold:        0.1,
		CountChangeThresholdRatio: 0.5,
		MaxConcurrentProcessing:   2,
	})

	assert.InDelta(t, 0.9, got.AcceptanceThreshold, 1e-9)
	assert.InDelta(t, 0.1, got.RejectionThreshold, 1e-9)
	assert.InDelta(t, 0.5, got.CountChangeThresholdRatio, 1e-9)
	assert.Equal(t, 2, got.MaxConcurrentProcessing)
	assert.Equal(t, ontologyDefaults.MaxConcurrentEvaluation, got.MaxConcurrentEvaluation)
}
