package pipeline

import "fmt"

// ConfigError marks a run refused before any unit was touched.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config error: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// CollectionError marks a terminal acquisition failure for one unit stage.
type CollectionError struct {
	Stage   string
	VideoID string
	Err     error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection failed: %s for %s: %v", e.Stage, e.VideoID, e.Err)
}
func (e *CollectionError) Unwrap() error { return e.Err }

// EnrichmentError marks a terminal enrichment failure for one unit stage.
// It is isolated: siblings of the failed stage still run.
type EnrichmentError struct {
	Stage   string
	VideoID string
	Err     error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment failed: %s for %s: %v", e.Stage, e.VideoID, e.Err)
}
func (e *EnrichmentError) Unwrap() error { return e.Err }

// RateLimitBlocked marks a unit the guard blocked for the remainder of the
// run. The run itself continues with the next unit.
type RateLimitBlocked struct {
	VideoID string
	Err     error
}

func (e *RateLimitBlocked) Error() string {
	return fmt.Sprintf("unit %s blocked by rate-limit guard: %v", e.VideoID, e.Err)
}
func (e *RateLimitBlocked) Unwrap() error { return e.Err }
