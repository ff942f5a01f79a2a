// Package repotest provides contract tests for [repository.Store]
// implementations.
package repotest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Factory creates an empty store for each test invocation.
type Factory func(t *testing.T) repository.Store

// Run exercises the [repository.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("ResourceIdentifierIsUniquePerWorkspace", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		ws := uuid.New()

		r1 := newResource(ws, "cluster-a")
		require.NoError(t, s.Resources().Create(ctx, r1))
		require.NotEqual(t, uuid.Nil, r1.ID)

		err := s.Resources().Create(ctx, newResource(ws, "cluster-a"))
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)

		require.NoError(t, s.Resources().Create(ctx, newResource(uuid.New(), "cluster-a")))
	})

	t.Run("ResourceSoftDeleteAndRestore", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		ws := uuid.New()
		r := newResource(ws, "vm-1")
		require.NoError(t, s.Resources().Create(ctx, r))

		require.NoError(t, s.Resources().Delete(ctx, r.ID))
		_, err := s.Resources().Get(ctx, r.ID)
		assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))

		listed, err := s.Resources().ListByWorkspace(ctx, ws)
		require.NoError(t, err)
		assert.Empty(t, listed)

		deleted, err := s.Resources().GetByIdentifier(ctx, ws, "vm-1", true)
		require.NoError(t, err)
		assert.True(t, deleted.DeletedAt.Valid)

		require.NoError(t, s.Resources().Restore(ctx, r.ID))
		got, err := s.Resources().Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "prod", got.Metadata["env"])
	})

	t.Run("VersionsNewestFirst", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		dep := uuid.New()
		for _, tag := range []string{"v1", "v2", "v3"} {
			require.NoError(t, s.Versions().Create(ctx, &models.DeploymentVersion{DeploymentID: dep, Tag: tag, Status: models.VersionReady}))
			time.Sleep(2 * time.Millisecond)
		}
		versions, err := s.Versions().ListByDeployment(ctx, dep)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.Equal(t, []string{"v3", "v2", "v1"}, []string{versions[0].Tag, versions[1].Tag, versions[2].Tag})

		v2, err := s.Versions().GetByTag(ctx, dep, "v2")
		require.NoError(t, err)
		assert.Equal(t, versions[1].ID, v2.ID)
	})

	t.Run("ReleaseTargetUpsertRestoresSameID", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		key := models.TargetKey{ResourceID: uuid.New(), EnvironmentID: uuid.New(), DeploymentID: uuid.New()}

		rt, created, err := s.ReleaseTargets().Upsert(ctx, key)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := s.ReleaseTargets().Upsert(ctx, key)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, rt.ID, again.ID)

		require.NoError(t, s.ReleaseTargets().Remove(ctx, rt.ID))
		byResource, err := s.ReleaseTargets().ListByResource(ctx, key.ResourceID)
		require.NoError(t, err)
		assert.Empty(t, byResource)

		restored, created, err := s.ReleaseTargets().Upsert(ctx, key)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, rt.ID, restored.ID)
	})

	t.Run("CreateWithJobIsAtomicClaim", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		rt := newTarget(t, s)
		version := uuid.New()

		const racers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: version, VariablesHash: "h"}
				job := &models.Job{JobAgentID: uuid.New(), Status: models.JobPending, Reason: models.ReasonPolicyPassing}
				if err := s.Releases().CreateWithJob(ctx, rel, job); err == nil {
					wins.Add(1)
				} else {
					assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		jobs, err := s.Jobs().ListByTarget(ctx, rt.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, version, jobs[0].VersionID)

		// New variables produce a new release for the same version.
		rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: version, VariablesHash: "h2"}
		require.NoError(t, s.Releases().CreateWithJob(ctx, rel, nil))
		latest, err := s.Releases().Latest(ctx, rt.ID)
		require.NoError(t, err)
		assert.Equal(t, rel.ID, latest.ID)
	})

	t.Run("LockIsExclusive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		rt := newTarget(t, s)

		const racers = 10
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Locks().Acquire(ctx, &models.ReleaseTargetLock{ReleaseTargetID: rt.ID, LockedAt: time.Now(), LockedBy: "racer"})
				if err == nil {
					wins.Add(1)
					return
				}
				assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: uuid.New(), VariablesHash: "h"}
		err := s.Releases().CreateWithJob(ctx, rel, nil)
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

		lock, err := s.Locks().Release(ctx, rt.ID, "tester", time.Now())
		require.NoError(t, err)
		require.NotNil(t, lock.UnlockedAt)

		_, err = s.Locks().Release(ctx, rt.ID, "tester", time.Now())
		assert.True(t, appErr.IsCode(err, appErr.CodeInvalid), "got %v", err)

		require.NoError(t, s.Locks().Acquire(ctx, &models.ReleaseTargetLock{ReleaseTargetID: rt.ID, LockedAt: time.Now(), LockedBy: "again"}))
		open, err := s.Locks().Open(ctx, rt.ID)
		require.NoError(t, err)
		assert.Equal(t, "again", open.LockedBy)
	})

	t.Run("ClaimNeverHandsOutAJobTwice", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		agent := uuid.New()
		for i := 0; i < 6; i++ {
			rt := newTarget(t, s)
			rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: uuid.New(), VariablesHash: "h"}
			require.NoError(t, s.Releases().CreateWithJob(ctx, rel, &models.Job{JobAgentID: agent, Status: models.JobPending, Reason: models.ReasonPolicyPassing}))
		}

		now := time.Now().UTC()
		var mu sync.Mutex
		seen := map[uuid.UUID]int{}
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				jobs, err := s.Jobs().Claim(ctx, agent, 2, now.Add(-time.Minute), now)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, j := range jobs {
					seen[j.ID]++
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 6)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
		}

		again, err := s.Jobs().Claim(ctx, agent, 10, now.Add(-time.Minute), now)
		require.NoError(t, err)
		assert.Empty(t, again)

		// Claims older than the lease are delivered again.
		later := now.Add(time.Hour)
		redelivered, err := s.Jobs().Claim(ctx, agent, 10, later.Add(-time.Minute), later)
		require.NoError(t, err)
		assert.Len(t, redelivered, 6)
	})

	t.Run("EnqueueChecksLatestJob", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		rt := newTarget(t, s)
		rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: uuid.New(), VariablesHash: "h"}
		first := &models.Job{JobAgentID: uuid.New(), Status: models.JobPending, Reason: models.ReasonPolicyPassing}
		require.NoError(t, s.Releases().CreateWithJob(ctx, rel, first))

		retry := &models.Job{ReleaseID: rel.ID, ReleaseTargetID: rt.ID, VersionID: rel.VersionID, JobAgentID: first.JobAgentID, Status: models.JobPending, Reason: models.ReasonRetry}
		require.NoError(t, s.Jobs().Enqueue(ctx, retry, &first.ID))

		stale := &models.Job{ReleaseID: rel.ID, ReleaseTargetID: rt.ID, VersionID: rel.VersionID, JobAgentID: first.JobAgentID, Status: models.JobPending, Reason: models.ReasonRetry}
		err := s.Jobs().Enqueue(ctx, stale, &first.ID)
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)

		jobs, err := s.Jobs().ListByRelease(ctx, rel.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, first.ID, jobs[0].ID)
		assert.Equal(t, retry.ID, jobs[1].ID)
	})

	t.Run("JobUpdateComparesStatus", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		rt := newTarget(t, s)
		rel := &models.Release{ReleaseTargetID: rt.ID, VersionID: uuid.New(), VariablesHash: "h"}
		job := &models.Job{JobAgentID: uuid.New(), Status: models.JobPending, Reason: models.ReasonPolicyPassing}
		require.NoError(t, s.Releases().CreateWithJob(ctx, rel, job))

		a, err := s.Jobs().Get(ctx, job.ID)
		require.NoError(t, err)
		b, err := s.Jobs().Get(ctx, job.ID)
		require.NoError(t, err)

		a.Status = models.JobSuccessful
		require.NoError(t, s.Jobs().Update(ctx, a, models.JobPending))
		b.Status = models.JobFailure
		err = s.Jobs().Update(ctx, b, models.JobPending)
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)

		got, err := s.Jobs().Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobSuccessful, got.Status)

		missing := &models.Job{Status: models.JobFailure}
		missing.ID = uuid.New()
		err = s.Jobs().Update(ctx, missing, models.JobPending)
		assert.True(t, appErr.IsCode(err, appErr.CodeNotFound), "got %v", err)
	})

	t.Run("ApprovalIsOncePerUser", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		version, env := uuid.New(), uuid.New()
		a := &models.Approval{DeploymentVersionID: version, EnvironmentID: env, UserID: "alice", Status: models.ApprovalApproved, ApprovedAt: time.Now()}
		require.NoError(t, s.Approvals().Create(ctx, a))

		dup := &models.Approval{DeploymentVersionID: version, EnvironmentID: env, UserID: "alice", Status: models.ApprovalRejected, ApprovedAt: time.Now()}
		err := s.Approvals().Create(ctx, dup)
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "got %v", err)

		require.NoError(t, s.Approvals().Create(ctx, &models.Approval{DeploymentVersionID: version, EnvironmentID: env, UserID: "bob", Status: models.ApprovalApproved, ApprovedAt: time.Now()}))
		list, err := s.Approvals().ListByVersionEnvironment(ctx, version, env)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("SelectorsSurviveStorage", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		var env models.Environment
		require.NoError(t, jsonInto(`{
			"systemId": "`+uuid.NewString()+`",
			"name": "prod",
			"resourceSelector": {"type":"metadata","key":"env","operator":"equals","value":"prod"}
		}`, &env))
		require.NoError(t, s.Environments().Create(ctx, &env))

		got, err := s.Environments().Get(ctx, env.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ResourceSelector)
		ok, err := got.ResourceSelector.Matches(newResource(uuid.New(), "x").Subject())
		require.NoError(t, err)
		assert.True(t, ok)

		got.ResourceSelector = nil
		require.NoError(t, s.Environments().Update(ctx, got))
		got, err = s.Environments().Get(ctx, env.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ResourceSelector)
	})
}

func newResource(ws uuid.UUID, identifier string) *models.Resource {
	return &models.Resource{
		WorkspaceID: ws,
		Identifier:  identifier,
		Name:        identifier,
		Kind:        "Kubernetes/Cluster",
		Version:     "v1",
		Metadata:    map[string]string{"env": "prod"},
	}
}

func newTarget(t *testing.T, s repository.Store) *models.ReleaseTarget {
	t.Helper()
	rt, _, err := s.ReleaseTargets().Upsert(context.Background(), models.TargetKey{
		ResourceID:    uuid.New(),
		EnvironmentID: uuid.New(),
		DeploymentID:  uuid.New(),
	})
	require.NoError(t, err)
	return rt
}
