package dto

type StatusResponse struct {
	Service     string          `json:"service"`
	Version     string          `json:"version"`
	Environment string          `json:"environment"`
	Features    map[string]bool `json:"features"`
	Geolocation string          `json:"geolocation_provider"`
	QueueDriver string          `json:"queue_driver"`
	Sources     []string        `json:"signal_sources"`
	// Absent when Redis is unreachable.
	IndicatorSets map[string]int64 `json:"indicator_sets,omitempty"`
	Timestamp     int64            `json:"timestamp"`
}
