// Package callback runs the HTTP endpoint a job's containerized
// workload uses to submit subjobs, query provenance, and stash special
// -runtime output. It runs as its own task so its HTTP receive never
// blocks on the supervisor's synchronous upstream calls.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	"github.com/kbase/job-runner-go/internal/authclient"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/metrics"
	"github.com/rs/cors"
)

// subjobWait is how long a submit-subjob call blocks waiting for the
// matching Output reply before giving up and reporting a transport
// error to the caller. Abandoned waits happen on supervisor cancel.
const subjobWait = 30 * time.Minute

// Supervisor is the narrow surface the endpoint needs from the
// supervisor: posting events and reading the snapshot list.
type Supervisor interface {
	SubmitSubjob(jobID string, params map[string]interface{})
	StashSpecialOutput(jobID string, payload map[string]interface{})
	Outbound() <-chan jobmodel.CallbackReply
	Provenance() []jobmodel.ProvenanceAction
}

// Endpoint is the callback HTTP server. One exists per process,
// started by the supervisor once the job's token and deadline are
// known.
type Endpoint struct {
	supervisor Supervisor
	token      string

	server *http.Server

	mu      sync.Mutex
	waiters map[string]chan map[string]interface{}
}

// New returns an Endpoint that authenticates callers against token and
// dispatches events to sup.
func New(sup Supervisor, token string) *Endpoint {
	return &Endpoint{
		supervisor: sup,
		token:      authclient.HashToken(token),
		waiters:    make(map[string]chan map[string]interface{}),
	}
}

// Start binds addr (host:port; an empty host binds all interfaces) and
// begins serving in a background goroutine. It also starts the reply
// dispatcher that correlates Output replies to waiting handlers by job
// id. Implements supervisor.EndpointStarter.
func (e *Endpoint) Start(ctx context.Context, addr, token string) error {
	e.token = authclient.HashToken(token)

	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleRPC)
	mux.Handle("/metrics", metrics.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
	}).Handler(mux)

	e.server = &http.Server{Addr: addr, Handler: handler}

	go e.dispatch()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding callback endpoint on %s: %w", addr, err)
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Log.WithError(err).Error("callback endpoint listener exited unexpectedly")
		}
	}()

	logging.Log.WithField("addr", ln.Addr().String()).Info("callback endpoint listening")
	return nil
}

// Stop shuts down the HTTP server. Any handlers still blocked waiting
// for a subjob reply are abandoned; their callers see a transport
// failure, matching the documented cancellation contract.
func (e *Endpoint) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}

// dispatch drains the supervisor's outbound queue and routes Output
// replies to the handler waiting on that job id. Provenance replies
// are not posted through the queue: get_provenance reads the
// aggregator's snapshot directly (see handleGetProvenance) since the
// reply has no job id to correlate concurrent requests against.
func (e *Endpoint) dispatch() {
	for reply := range e.supervisor.Outbound() {
		if reply.Kind != jobmodel.ReplyOutput {
			continue
		}

		e.mu.Lock()
		ch, ok := e.waiters[reply.JobID]
		if ok {
			delete(e.waiters, reply.JobID)
		}
		e.mu.Unlock()

		if ok {
			ch <- reply.Document
		}
	}
}

type rpcRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	ID     string                 `json:"id"`
}

type rpcResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
	ID     string      `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Endpoint) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !e.authenticate(r) {
		writeError(w, "", -32000, "unauthenticated")
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", -32700, "invalid request body")
		return
	}

	switch req.Method {
	case "submit_subjob":
		e.handleSubmitSubjob(w, req)
	case "get_provenance":
		e.handleGetProvenance(w, req)
	case "stash_output":
		e.handleStashOutput(w, req)
	default:
		writeError(w, req.ID, -32601, "unknown method "+req.Method)
	}
}

func (e *Endpoint) authenticate(r *http.Request) bool {
	token := r.Header.Get("Authorization")
	if token == "" {
		return false
	}
	return authclient.VerifyToken(token, e.token)
}

// handleSubmitSubjob mints a fresh subjob id (the caller never supplies
// one — it doesn't exist until the supervisor accepts the submission)
// and blocks until that id's Output reply arrives.
func (e *Endpoint) handleSubmitSubjob(w http.ResponseWriter, req rpcRequest) {
	newID := uuid.New().String()

	ch := make(chan map[string]interface{}, 1)
	e.mu.Lock()
	e.waiters[newID] = ch
	e.mu.Unlock()

	e.supervisor.SubmitSubjob(newID, req.Params)

	select {
	case doc := <-ch:
		writeResult(w, req.ID, doc)
	case <-time.After(subjobWait):
		e.mu.Lock()
		delete(e.waiters, newID)
		e.mu.Unlock()
		writeError(w, req.ID, -32000, "timed out waiting for subjob output")
	}
}

func (e *Endpoint) handleGetProvenance(w http.ResponseWriter, req rpcRequest) {
	snapshot := e.supervisor.Provenance()
	writeResult(w, req.ID, snapshot)
}

func (e *Endpoint) handleStashOutput(w http.ResponseWriter, req rpcRequest) {
	jobID, _ := req.Params["job_id"].(string)
	if jobID == "" {
		writeError(w, req.ID, -32602, "stash_output requires a job_id")
		return
	}
	payload, _ := req.Params["output"].(map[string]interface{})
	e.supervisor.StashSpecialOutput(jobID, payload)
	writeResult(w, req.ID, map[string]interface{}{"ok": true})
}

func writeResult(w http.ResponseWriter, id string, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{Result: result, ID: id})
}

func writeError(w http.ResponseWriter, id string, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC-shaped: errors are in-band
	json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: code, Message: message}, ID: id})
}
