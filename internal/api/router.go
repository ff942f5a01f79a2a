package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/releaseplane/engine/internal/api/handlers"
	mw "github.com/releaseplane/engine/internal/api/middleware"
	"github.com/releaseplane/engine/internal/metrics"
)

type Dependencies struct {
	HMACSecret     []byte
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    string

	Health      *handlers.HealthHandler
	Systems     *handlers.SystemsHandler
	Deployments *handlers.DeploymentsHandler
	Versions    *handlers.VersionsHandler
	Resources   *handlers.ResourcesHandler
	Policies    *handlers.PoliciesHandler
	Targets     *handlers.TargetsHandler
	Jobs        *handlers.JobsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS(dep.CORSOrigins))
	r.Use(mw.RateLimit(dep.RateLimitRPS, dep.RateLimitBurst))
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.Health.Liveness)
	r.Get("/readyz", dep.Health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(mw.Authenticate(dep.HMACSecret))

		api.Post("/systems", dep.Systems.CreateSystem)
		api.Get("/systems/{id}", dep.Systems.GetSystem)

		api.Route("/environments", func(er chi.Router) {
			er.Post("/", dep.Systems.CreateEnvironment)
			er.Get("/{id}", dep.Systems.GetEnvironment)
			er.Delete("/{id}", dep.Systems.DeleteEnvironment)
		})

		api.Route("/deployments", func(dr chi.Router) {
			dr.Post("/", dep.Deployments.Create)
			dr.Get("/{id}", dep.Deployments.Get)
			dr.Patch("/{id}", dep.Deployments.Update)
			dr.Delete("/{id}", dep.Deployments.Delete)
			dr.Get("/{id}/variables", dep.Deployments.ListVariables)
			dr.Post("/{id}/variables", dep.Deployments.UpsertVariable)
		})

		api.Route("/deployment-versions", func(vr chi.Router) {
			vr.Post("/", dep.Versions.Create)
			vr.Get("/{id}", dep.Versions.Get)
			vr.Patch("/{id}", dep.Versions.Update)
			vr.Get("/{id}/environments/{envId}/rollout", dep.Versions.Rollout)
			vr.Post("/{id}/approve/environment/{envId}", dep.Versions.Approve)
			vr.Post("/{id}/reject/environment/{envId}", dep.Versions.Reject)
		})

		api.Route("/resources", func(rr chi.Router) {
			rr.Post("/", dep.Resources.Create)
			rr.Get("/{id}", dep.Resources.Get)
			rr.Patch("/{id}", dep.Resources.Update)
			rr.Delete("/{id}", dep.Resources.Delete)
			rr.Get("/{id}/release-targets", dep.Resources.ReleaseTargets)
		})
		api.Patch("/resource-providers/{id}/set", dep.Resources.SetProvider)
		api.Post("/resource-relationship-rules", dep.Resources.CreateRelationshipRule)
		api.Delete("/resource-relationship-rules/{id}", dep.Resources.DeleteRelationshipRule)

		api.Route("/policies", func(pr chi.Router) {
			pr.Post("/", dep.Policies.Create)
			pr.Get("/{id}", dep.Policies.Get)
			pr.Patch("/{id}", dep.Policies.Update)
			pr.Delete("/{id}", dep.Policies.Delete)
			pr.Get("/{id}/release-targets", dep.Policies.ReleaseTargets)
		})

		api.Route("/release-targets/{id}", func(tr chi.Router) {
			tr.Get("/", dep.Targets.Get)
			tr.Get("/releases", dep.Targets.Releases)
			tr.Post("/lock", dep.Targets.Lock)
			tr.Post("/unlock", dep.Targets.Unlock)
			tr.Post("/redeploy", dep.Targets.Redeploy)
			tr.Post("/pin", dep.Targets.Pin)
			tr.Post("/unpin", dep.Targets.Unpin)
		})

		api.Patch("/job-agents/name", dep.Jobs.UpsertAgent)
		api.Get("/job-agents/{id}", dep.Jobs.GetAgent)
		api.Get("/job-agents/{id}/queue/next", dep.Jobs.NextJobs)
		api.Get("/jobs/{id}", dep.Jobs.Get)
		api.Patch("/jobs/{id}", dep.Jobs.Update)
	})

	return r
}
