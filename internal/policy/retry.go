package policy

import "github.com/releaseplane/engine/internal/models"

// Attempts counts the trailing consecutive failures among a release's jobs,
// ordered oldest first.
func Attempts(jobs []models.Job) int {
	n := 0
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Status != models.JobFailure {
			break
		}
		n++
	}
	return n
}

// ShouldRetry reports whether another job may be created after the release's
// latest job failed. Without a maxRetries rule failures are final.
func (r Rules) ShouldRetry(jobs []models.Job) bool {
	if r.MaxRetries == nil || len(jobs) == 0 {
		return false
	}
	if jobs[len(jobs)-1].Status != models.JobFailure {
		return false
	}
	return Attempts(jobs) < *r.MaxRetries
}
