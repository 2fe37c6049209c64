// Package supervisor implements the job supervisor and subjob
// scheduling loop: the event-driven watcher that mediates between the
// inbound queue, the runtime adapters, and the upstream execution
// engine. It is the sole mutator of job state for the process.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/kbase/job-runner-go/internal/authclient"
	"github.com/kbase/job-runner-go/internal/catalog"
	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/engine"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/metrics"
	"github.com/kbase/job-runner-go/internal/methodrunner"
	"github.com/kbase/job-runner-go/internal/provenance"
	"github.com/kbase/job-runner-go/internal/runtime"
)

// tokenExpiryMargin is subtracted from the token's absolute expiry to
// compute the supervisor's hard wall-clock deadline.
const tokenExpiryMargin = 600 * time.Second

// pollInterval is the receive timeout on the inbound queue and also
// the cadence of the upstream check_job_canceled poll.
const pollInterval = 1 * time.Second

// EndpointStarter spawns the callback endpoint as an isolated task. It
// must survive supervisor slow paths: its HTTP receive must never
// block on this process's synchronous upstream calls.
type EndpointStarter interface {
	Start(ctx context.Context, addr, token string) error
	Stop(ctx context.Context) error
}

// Supervisor owns the inbound queue, the outbound queue, the
// concurrency counter, the deadline clock, the cancellation signal,
// and the provenance aggregator. Exactly one exists per process.
type Supervisor struct {
	jobID      string
	userToken  string
	adminToken string

	engineClient *engine.Client
	authClient   *authclient.Client
	catalogCache *catalog.Cache
	provenance   *provenance.Aggregator
	methodRunner *methodrunner.Runner
	endpoint     EndpointStarter
	callbackAddr string

	cfg *config.Document

	inbound  chan jobmodel.QueueEvent
	outbound chan jobmodel.CallbackReply

	maxTasks  int
	liveCount int

	primaryDone bool
}

// Deps bundles the collaborators a Supervisor is built from. Supplying
// a nil Endpoint is valid for tests that drive the watch loop directly
// without a real HTTP listener.
type Deps struct {
	JobID        string
	UserToken    string
	AdminToken   string
	EngineClient *engine.Client
	AuthClient   *authclient.Client
	CatalogCache *catalog.Cache
	MethodRunner *methodrunner.Runner
	Endpoint     EndpointStarter
	CallbackAddr string
	Config       *config.Document
}

// New constructs a Supervisor from its collaborators.
func New(d Deps) *Supervisor {
	maxTasks := d.Config.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 20
	}
	return &Supervisor{
		jobID:        d.JobID,
		userToken:    d.UserToken,
		adminToken:   d.AdminToken,
		engineClient: d.EngineClient,
		authClient:   d.AuthClient,
		catalogCache: d.CatalogCache,
		methodRunner: d.MethodRunner,
		endpoint:     d.Endpoint,
		callbackAddr: d.CallbackAddr,
		cfg:          d.Config,
		provenance:   provenance.New(),
		inbound:      make(chan jobmodel.QueueEvent, 64),
		outbound:     make(chan jobmodel.CallbackReply, 64),
		maxTasks:     maxTasks,
	}
}

// SetEndpoint wires the callback endpoint after construction, breaking
// the construction cycle between the Supervisor (which the endpoint
// dispatches into) and the endpoint (which the Supervisor starts).
func (s *Supervisor) SetEndpoint(e EndpointStarter) {
	s.endpoint = e
}

// NotifyFinished implements runtime.NotifyQueue: a runtime adapter's
// log-reader task calls this after a container exits and its output
// has fully drained.
func (s *Supervisor) NotifyFinished(jobID string) {
	s.inbound <- jobmodel.QueueEvent{Kind: jobmodel.EventFinished, JobID: jobID}
}

// SubmitSubjob is called by the callback endpoint when the primary
// workload asks to run a subjob. It posts a Submit event and returns
// immediately; the caller must separately wait on the outbound queue
// for the matching Output reply.
func (s *Supervisor) SubmitSubjob(jobID string, params map[string]interface{}) {
	s.inbound <- jobmodel.QueueEvent{Kind: jobmodel.EventSubmit, JobID: jobID, Params: params}
}

// StashSpecialOutput is called by the callback endpoint's special-
// runtime stash path. The generic runtime adapter never posts
// Finished for a special job; only this path does.
func (s *Supervisor) StashSpecialOutput(jobID string, payload map[string]interface{}) {
	s.inbound <- jobmodel.QueueEvent{Kind: jobmodel.EventFinishedSpecial, JobID: jobID, Payload: payload}
}

// Cancel posts a Cancel event. Used by the SIGINT handler, which must
// not itself mutate state — only the watch loop goroutine does.
func (s *Supervisor) Cancel() {
	s.inbound <- jobmodel.QueueEvent{Kind: jobmodel.EventCancel}
}

// Outbound exposes the reply channel so the callback endpoint can wait
// for correlated Output replies. Provenance is served through
// Provenance, not through this channel.
func (s *Supervisor) Outbound() <-chan jobmodel.CallbackReply {
	return s.outbound
}

// Run executes the full startup sequence and then the watch loop,
// returning the final output document for the primary job. Startup
// failures are returned as errors and are fatal: no finish_job call is
// made for them. Every other terminal outcome is an in-band document,
// and FinishJob is always called before Run returns.
func (s *Supervisor) Run(ctx context.Context) (map[string]interface{}, error) {
	finished, err := s.engineClient.CheckJobCanceled(ctx, s.jobID)
	if err != nil {
		return nil, fmt.Errorf("checking job cancellation status: %w", err)
	}
	if finished {
		return nil, fmt.Errorf("job already run or canceled")
	}

	params, cfgDoc, err := s.engineClient.GetJobParams(ctx, s.jobID)
	if err != nil {
		return nil, fmt.Errorf("fetching job params: %w", err)
	}
	s.applyConfigDoc(cfgDoc)

	userID, tokenInfo, err := s.validateStartup(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.engineClient.UpdateJob(ctx, s.jobID, true); err != nil {
		return nil, fmt.Errorf("marking job started: %w", err)
	}

	expTime := time.Unix(tokenInfo.Expires, 0).Add(-tokenExpiryMargin)

	if s.endpoint != nil {
		if err := s.endpoint.Start(ctx, s.callbackAddr, s.userToken); err != nil {
			return nil, fmt.Errorf("starting callback endpoint: %w", err)
		}
		defer s.endpoint.Stop(context.Background())
	}

	primary := &jobmodel.Job{
		JobID:       s.jobID,
		Module:      moduleOf(params.Method),
		Method:      methodOf(params.Method),
		Params:      params.Params,
		Version:     params.ServiceVer,
		WorkspaceID: params.WorkspaceID,
		Subjob:      false,
		UserName:    userID,
		ClientGroup: config.ClientGroup,
	}

	if err := s.launch(ctx, primary); err != nil {
		return nil, fmt.Errorf("submitting primary job: %w", err)
	}
	s.liveCount++
	metrics.SetLiveContainers(s.liveCount)

	doc := s.watch(ctx, expTime)

	if err := s.engineClient.FinishJob(context.Background(), s.jobID, doc); err != nil {
		logging.Log.WithField("job_id", s.jobID).WithError(err).Error("failed to report final job document upstream")
	}

	return doc, nil
}

// validateStartup runs the three independent startup checks (workdir
// presence, user resolution, token expiry lookup) concurrently through
// a small worker pool, matching the teacher's initStores fan-out
// shape. Any failure aborts startup; the first error observed is
// returned.
func (s *Supervisor) validateStartup(ctx context.Context) (string, *authclient.TokenInfo, error) {
	pool := workerpool.New(3)

	var mu sync.Mutex
	var errs []error
	var userID string
	var tokenInfo *authclient.TokenInfo

	pool.Submit(func() {
		if _, err := os.Stat(s.cfg.WorkDir); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("job working directory missing: %w", err))
			mu.Unlock()
		}
	})

	pool.Submit(func() {
		id, err := s.authClient.GetUser(ctx, s.userToken)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("validating user token: %w", err))
			return
		}
		userID = id
	})

	pool.Submit(func() {
		info, err := s.authClient.GetTokenInfo(ctx, s.userToken)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("fetching token expiry: %w", err))
			return
		}
		tokenInfo = info
	})

	pool.StopWait()

	if len(errs) > 0 {
		return "", nil, errs[0]
	}
	return userID, tokenInfo, nil
}

func (s *Supervisor) applyConfigDoc(cfgDoc *engine.JobConfigDoc) {
	if s.cfg.KBaseEndpoint == "" {
		s.cfg.KBaseEndpoint = cfgDoc.KBaseEndpoint
	}
	if s.cfg.WorkspaceURL == "" {
		s.cfg.WorkspaceURL = cfgDoc.WorkspaceURL
	}
	if s.cfg.ShockURL == "" {
		s.cfg.ShockURL = cfgDoc.ShockURL
	}
	if s.cfg.HandleURL == "" {
		s.cfg.HandleURL = cfgDoc.HandleURL
	}
	if s.cfg.AuthServiceURL == "" {
		s.cfg.AuthServiceURL = cfgDoc.AuthServiceURL
	}
	if s.cfg.MaxTasks <= 0 && cfgDoc.MaxTasks > 0 {
		s.maxTasks = cfgDoc.MaxTasks
	}
}

// watch is the main single-threaded event loop. It returns the final
// output document for the primary job, or an in-band error document on
// cap-exceeded, token-expiry, or upstream-cancel.
func (s *Supervisor) watch(ctx context.Context, expTime time.Time) map[string]interface{} {
	for {
		var ev jobmodel.QueueEvent
		var gotEvent bool

		select {
		case ev = <-s.inbound:
			gotEvent = true
		case <-time.After(pollInterval):
		}

		if gotEvent {
			if doc, terminal := s.handleEvent(ctx, ev); terminal {
				return doc
			}
		}

		if time.Now().After(expTime) {
			logging.Log.WithField("job_id", s.jobID).Warn("token has expired, canceling job")
			s.cleanupAll(ctx)
			return map[string]interface{}{"error": "Token has expired"}
		}

		if s.liveCount <= 0 && !s.primaryDone {
			// Defensive: indicates a lost-event bug upstream of this
			// loop. Preserve the documented "return nil" behavior rather
			// than inventing a new contract.
			logging.Log.WithField("job_id", s.jobID).Error("live count reached zero before primary job finished")
			return nil
		}

		canceled, err := s.engineClient.CheckJobCanceled(ctx, s.jobID)
		if err != nil {
			metrics.UpstreamPollErrors.Inc()
			logging.Log.WithField("job_id", s.jobID).WithError(err).Warn("transient failure polling job cancellation, treating as still running")
			continue
		}
		if canceled {
			logging.Log.WithField("job_id", s.jobID).Warn("upstream reports job canceled")
			s.cleanupAll(ctx)
			time.Sleep(pollInterval) // let containers reap
			return map[string]interface{}{"error": "Canceled or unexpected error"}
		}
	}
}

// handleEvent processes one inbound event and reports whether the
// loop must return, along with the document to return if so.
func (s *Supervisor) handleEvent(ctx context.Context, ev jobmodel.QueueEvent) (map[string]interface{}, bool) {
	switch ev.Kind {
	case jobmodel.EventSubmit:
		return s.handleSubmit(ctx, ev)
	case jobmodel.EventFinishedSpecial:
		s.outbound <- jobmodel.CallbackReply{Kind: jobmodel.ReplyOutput, JobID: ev.JobID, Document: ev.Payload}
		s.liveCount--
		metrics.SetLiveContainers(s.liveCount)
		metrics.RecordSubjobFinished("ok")
		return nil, false
	case jobmodel.EventFinished:
		return s.handleFinished(ev)
	case jobmodel.EventCancel:
		s.cleanupAll(ctx)
		return map[string]interface{}{}, true
	}
	return nil, false
}

func (s *Supervisor) handleSubmit(ctx context.Context, ev jobmodel.QueueEvent) (map[string]interface{}, bool) {
	if s.liveCount+1 > s.maxTasks {
		logging.Log.WithField("job_id", s.jobID).Warn("subjob concurrency cap exceeded")
		s.cleanupAll(ctx)
		return map[string]interface{}{"error": "Canceled or unexpected error"}, true
	}

	methodStr, _ := ev.Params["method"].(string)
	subjob := &jobmodel.Job{
		JobID:       ev.JobID,
		Module:      moduleOf(methodStr),
		Method:      methodOf(methodStr),
		Params:      ev.Params,
		Subjob:      true,
		ClientGroup: config.ClientGroup,
	}

	if strings.HasPrefix(methodStr, "special.") {
		// Dispatched to the special-runtime path; that path is
		// responsible for posting FinishedSpecial itself. The generic
		// runtime adapter's reader task is never involved for these.
		metrics.SubjobsSubmitted.Inc()
		s.liveCount++
		metrics.SetLiveContainers(s.liveCount)
		return nil, false
	}

	if err := s.launch(ctx, subjob); err != nil {
		logging.Log.WithField("job_id", ev.JobID).WithError(err).Error("failed to launch subjob")
		s.outbound <- jobmodel.CallbackReply{Kind: jobmodel.ReplyOutput, JobID: ev.JobID, Document: methodrunner.OutputError}
		return nil, false
	}

	metrics.SubjobsSubmitted.Inc()
	s.liveCount++
	metrics.SetLiveContainers(s.liveCount)
	return nil, false
}

func (s *Supervisor) handleFinished(ev jobmodel.QueueEvent) (map[string]interface{}, bool) {
	job := &jobmodel.Job{JobID: ev.JobID, Subjob: ev.JobID != s.jobID}
	doc, err := s.methodRunner.GetOutput(job)
	if err != nil {
		logging.Log.WithField("job_id", ev.JobID).WithError(err).Error("failed to read job output")
		doc = methodrunner.OutputError
	}

	s.outbound <- jobmodel.CallbackReply{Kind: jobmodel.ReplyOutput, JobID: ev.JobID, Document: doc}
	s.liveCount--
	metrics.SetLiveContainers(s.liveCount)

	if _, hasErr := doc["error"]; hasErr {
		metrics.RecordSubjobFinished("error")
	} else {
		metrics.RecordSubjobFinished("ok")
	}

	if ev.JobID == s.jobID {
		s.primaryDone = true
		if s.liveCount > 0 {
			logging.Log.WithField("job_id", s.jobID).Warn("orphaned containers may be present")
		}
		metrics.JobOutcome.Inc()
		return doc, true
	}

	return nil, false
}

func (s *Supervisor) launch(ctx context.Context, job *jobmodel.Job) error {
	info, err := s.catalogCache.GetModuleVersion(ctx, job.Module, job.Version)
	if err != nil {
		return fmt.Errorf("resolving module %s: %w", job.Module, err)
	}

	volumeMounts, err := s.catalogCache.GetVolumeMounts(ctx, job.Module, job.Method, job.ClientGroup)
	if err != nil {
		return fmt.Errorf("resolving volume mounts for %s.%s: %w", job.Module, job.Method, err)
	}

	action, err := s.methodRunner.Run(ctx, job, info, volumeMounts, []runtime.NotifyQueue{s})
	if err != nil {
		return err
	}

	s.provenance.Append(action)
	return nil
}

// Provenance returns the current provenance snapshot, as served to a
// callback "get provenance" request.
func (s *Supervisor) Provenance() []jobmodel.ProvenanceAction {
	return s.provenance.Snapshot()
}

func (s *Supervisor) cleanupAll(ctx context.Context) {
	s.methodRunner.CleanupAll(ctx)
}

func moduleOf(method string) string {
	parts := strings.SplitN(method, ".", 2)
	return parts[0]
}

func methodOf(method string) string {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}
