package ir

// Version constants for persisted formats and the engine.
const (
	// CheckpointVersion is the continuation format version stored with every checkpoint.
	CheckpointVersion = "1"

	// EngineVersion is the ledgerflow engine version.
	EngineVersion = "0.1.0"
)
