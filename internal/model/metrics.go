package model

// Metrics is the point-in-time view returned by the status command.
type Metrics struct {
	QueueDepth map[string]int  `yaml:"queue_depth" json:"queue_depth"`
	Agents     map[string]int  `yaml:"agents" json:"agents"`
	Counters   MetricsCounters `yaml:"counters" json:"counters"`
	Timers     int             `yaml:"timers" json:"timers"`
	StartedAt  string          `yaml:"started_at" json:"started_at"`
}

type MetricsCounters struct {
	TasksEnqueued   int64 `yaml:"tasks_enqueued" json:"tasks_enqueued"`
	Reservations    int64 `yaml:"reservations" json:"reservations"`
	Activations     int64 `yaml:"activations" json:"activations"`
	TasksClosed     int64 `yaml:"tasks_closed" json:"tasks_closed"`
	Reroutes        int64 `yaml:"reroutes" json:"reroutes"`
	Abandoned       int64 `yaml:"abandoned" json:"abandoned"`
	StepEscalations int64 `yaml:"step_escalations" json:"step_escalations"`
	OfferFailures   int64 `yaml:"offer_failures" json:"offer_failures"`
	StaleDequeued   int64 `yaml:"stale_dequeued" json:"stale_dequeued"`
	ReplayedOnStart int64 `yaml:"replayed_on_start" json:"replayed_on_start"`
}
