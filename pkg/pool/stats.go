package pool

import "time"

// Statistics is a snapshot of the pool counters
type Statistics struct {
	UnitsCreated    uint64 `json:"units_created"`
	UnitsTerminated uint64 `json:"units_terminated"`

	JobsProcessed         uint64        `json:"jobs_processed"`
	JobsFailed            uint64        `json:"jobs_failed"`
	TotalProcessingTime   time.Duration `json:"total_processing_time"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`

	// ActiveUnits is the number of live units, including ones still starting
	ActiveUnits int `json:"active_units"`
	// RetiringUnits have failed or been shut down and not yet exited
	RetiringUnits int `json:"retiring_units"`

	// QueuedJobs counts every request admitted to the pool
	QueuedJobs uint64 `json:"queued_jobs"`

	// WaitingJobs is the current length of the wait-queue
	WaitingJobs  int `json:"waiting_jobs"`
	IdleUnits    int `json:"idle_units"`
	BusyUnits    int `json:"busy_units"`
	InFlightJobs int `json:"in_flight_jobs"`

	// DroppedEvents counts events not delivered to slow subscribers
	DroppedEvents uint64 `json:"dropped_events"`

	Terminated bool `json:"terminated"`
	Exhausted  bool `json:"exhausted"`
}

// recordSuccess accounts for one completed job
func (s *Statistics) recordSuccess(elapsed time.Duration) {
	s.JobsProcessed++
	s.TotalProcessingTime += elapsed
	s.AverageProcessingTime = s.TotalProcessingTime / time.Duration(s.JobsProcessed)
}
