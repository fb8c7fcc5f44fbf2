package services

import "github.com/ekaya-inc/ontology-engine/pkg/config"

// ontologyDefaults mirrors the env-default tags of config.OntologyConfig for
// callers that build the struct by hand.
var ontologyDefaults = config.OntologyConfig{
	AcceptanceThreshold:       0.75,
	RejectionThreshold:        0.3,
	CountChangeThresholdRatio: 0.1,
	MinCountForEval:           1,
	MaxConcurrentProcessing:   8,
	MaxConcurrentEvaluation:   4,
	MaxRelationExamples:       5,
	ExampleMatchCap:           10,
	EntityPageSize:            1000,
	MaxKeyMappings:            64,
	PropertySampleSize:        10,
	FuzzyBoostWeight:          10,
	FuzzyMinSimilarity:        0.85,
	LockShards:                DefaultLockShards,
	StoreMaxRetries:           3,
}

// withOntologyDefaults fills zero-valued caps and thresholds.
func withOntologyDefaults(c config.OntologyConfig) config.OntologyConfig {
	d := ontologyDefaults
	if c.AcceptanceThreshold == 0 && c.RejectionThreshold == 0 {
		c.AcceptanceThreshold, c.RejectionThreshold = d.AcceptanceThreshold, d.RejectionThreshold
	}
	setDefault(&c.CountChangeThresholdRatio, d.CountChangeThresholdRatio)
	setDefault(&c.MinCountForEval, d.MinCountForEval)
	setDefault(&c.MaxConcurrentProcessing, d.MaxConcurrentProcessing)
	setDefault(&c.MaxConcurrentEvaluation, d.MaxConcurrentEvaluation)
	setDefault(&c.MaxRelationExamples, d.MaxRelationExamples)
	setDefault(&c.ExampleMatchCap, d.ExampleMatchCap)
	setDefault(&c.EntityPageSize, d.EntityPageSize)
	setDefault(&c.MaxKeyMappings, d.MaxKeyMappings)
	setDefault(&c.PropertySampleSize, d.PropertySampleSize)
	setDefault(&c.FuzzyBoostWeight, d.FuzzyBoostWeight)
	setDefault(&c.FuzzyMinSimilarity, d.FuzzyMinSimilarity)
	setDefault(&c.LockShards, d.LockShards)
	setDefault(&c.StoreMaxRetries, d.StoreMaxRetries)
	return c
}

func setDefault[T int | float64](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}
