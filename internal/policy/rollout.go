package policy

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
)

// RolloutStart is the instant a version's rollout is scheduled from: its
// creation time truncated to the minute.
func RolloutStart(v *models.DeploymentVersion) time.Time {
	return v.CreatedAt.UTC().Truncate(time.Minute)
}

// RolloutOffsetMinutes returns the delay of position i among n targets.
func RolloutOffsetMinutes(r models.EnvironmentVersionRollout, i, n int) float64 {
	k := r.TimeScaleInterval
	g := r.PositionGrowthFactor
	fi, fn := float64(i), float64(n)
	switch r.RolloutType {
	case models.RolloutLinear:
		return k * fi
	case models.RolloutLinearNormalized:
		if n == 0 {
			return 0
		}
		return k / fn * fi
	case models.RolloutExponential:
		if g <= 0 {
			return 0
		}
		return k * (1 - math.Exp(-fi/g))
	case models.RolloutExponentialNormalized:
		if n == 0 || g <= 0 {
			return 0
		}
		return k * (1 - math.Exp(-fi/fn)) / (1 - math.Exp(-fn/g))
	}
	return 0
}

// RolloutTime returns when position i of n may receive version v.
func RolloutTime(r models.EnvironmentVersionRollout, v *models.DeploymentVersion, i, n int) time.Time {
	return RolloutStart(v).Add(minutes(RolloutOffsetMinutes(r, i, n)))
}

// GradualTime returns when position i becomes eligible under a gradual
// rollout: deployRate targets per window.
func GradualTime(g models.GradualRollout, v *models.DeploymentVersion, i int) time.Time {
	if g.DeployRate <= 0 {
		return RolloutStart(v)
	}
	batch := i / g.DeployRate
	return RolloutStart(v).Add(time.Duration(batch*g.WindowSizeMinutes) * time.Minute)
}

// Scheduled returns the rollout time for position i of n under the rules,
// and false when no rollout rule applies.
func (r Rules) Scheduled(v *models.DeploymentVersion, i, n int) (time.Time, bool) {
	switch {
	case r.EnvironmentRollout != nil:
		return RolloutTime(*r.EnvironmentRollout, v, i, n), true
	case r.GradualRollout != nil:
		return GradualTime(*r.GradualRollout, v, i), true
	}
	return time.Time{}, false
}

// Positions assigns 0-based rollout positions ordered by target creation
// time, then id.
func Positions(targets []models.ReleaseTarget) map[uuid.UUID]int {
	sorted := append([]models.ReleaseTarget(nil), targets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	pos := make(map[uuid.UUID]int, len(sorted))
	for i, t := range sorted {
		pos[t.ID] = i
	}
	return pos
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
