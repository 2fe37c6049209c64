package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kbase/job-runner-go/internal/authclient"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	outbound chan jobmodel.CallbackReply
	submits  []string
	stashed  []string
	snapshot []jobmodel.ProvenanceAction
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{outbound: make(chan jobmodel.CallbackReply, 8)}
}

func (f *fakeSupervisor) SubmitSubjob(jobID string, params map[string]interface{}) {
	f.submits = append(f.submits, jobID)
	go func() {
		f.outbound <- jobmodel.CallbackReply{Kind: jobmodel.ReplyOutput, JobID: jobID, Document: map[string]interface{}{"v": float64(1)}}
	}()
}

func (f *fakeSupervisor) StashSpecialOutput(jobID string, payload map[string]interface{}) {
	f.stashed = append(f.stashed, jobID)
}

func (f *fakeSupervisor) Outbound() <-chan jobmodel.CallbackReply { return f.outbound }

func (f *fakeSupervisor) Provenance() []jobmodel.ProvenanceAction { return f.snapshot }

func newTestServer(t *testing.T, sup Supervisor, token string) *httptest.Server {
	t.Helper()
	ep := New(sup, token)
	mux := http.NewServeMux()
	mux.HandleFunc("/", ep.handleRPC)
	go ep.dispatch()
	return httptest.NewServer(mux)
}

func doRPC(t *testing.T, srv *httptest.Server, token, method string, params map[string]interface{}) rpcResponse {
	t.Helper()
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: "1"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitSubjobWaitsForMatchingOutput(t *testing.T) {
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "user-token", "submit_subjob", map[string]interface{}{"method": "kb_uploadmethods.align"})

	require.Nil(t, resp.Error)
	require.Len(t, sup.submits, 1)
	assert.NotEmpty(t, sup.submits[0], "submit_subjob must mint its own id, not take one from params")
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, result["v"])
}

func TestGetProvenanceReadsSnapshotDirectly(t *testing.T) {
	sup := newFakeSupervisor()
	sup.snapshot = []jobmodel.ProvenanceAction{{Name: "kb_uploadmethods", Ver: "1.0.0"}}
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "user-token", "get_provenance", nil)

	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var actions []jobmodel.ProvenanceAction
	require.NoError(t, json.Unmarshal(raw, &actions))
	assert.Equal(t, sup.snapshot, actions)
}

func TestStashOutputPostsFinishedSpecial(t *testing.T) {
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "user-token", "stash_output", map[string]interface{}{
		"job_id": "special-1",
		"output": map[string]interface{}{"ok": true},
	})

	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"special-1"}, sup.stashed)
}

func TestUnauthenticatedCallIsRejected(t *testing.T) {
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "wrong-token", "get_provenance", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthenticated", resp.Error.Message)
}

func TestMissingAuthorizationHeaderIsRejected(t *testing.T) {
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "", "get_provenance", nil)

	require.NotNil(t, resp.Error)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, "user-token")
	defer srv.Close()

	resp := doRPC(t, srv, "user-token", "frobnicate", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	hash := authclient.HashToken("secret")
	assert.True(t, authclient.VerifyToken("secret", hash))
	assert.False(t, authclient.VerifyToken("wrong", hash))
}

func TestStartBindsEphemeralPort(t *testing.T) {
	sup := newFakeSupervisor()
	ep := New(sup, "user-token")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ep.Start(ctx, "127.0.0.1:0", "user-token"))
	defer ep.Stop(context.Background())
}
