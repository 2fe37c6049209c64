// Package jobmodel holds the data types shared across the supervisor,
// method runner, runtime adapter, and callback endpoint. Nothing in
// this package performs I/O; it is the vocabulary the rest of the
// process is built from.
package jobmodel

import "fmt"

// Job describes a primary or sub- unit of work. It is constructed once
// from upstream params and never mutated after resolution; a Subjob is
// represented by the same struct with Subjob set true and its own
// WorkDir under subjobs/<id>/.
type Job struct {
	JobID       string
	Module      string
	Method      string
	Params      map[string]interface{}
	Version     string // requested service version, optional
	WorkspaceID string
	Subjob      bool
	WorkDir     string
	ClientGroup string
	UserName    string
}

// LogFields returns a logrus.Fields-compatible map identifying this job
// for structured log lines.
func (j *Job) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"job_id": j.JobID,
		"module": j.Module,
		"method": j.Method,
		"subjob": j.Subjob,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("%s.%s[%s]", j.Module, j.Method, j.JobID)
}

// ContainerHandle is the opaque token a runtime adapter returns for a
// launched workload. The supervisor keeps an unordered multiset of live
// handles so cleanup can reach every container regardless of how the
// loop exits.
type ContainerHandle struct {
	JobID     string
	Backend   string // "docker" or "shifter"
	NativeID  string // container ID / shifter pid, backend-specific
	StartedAt int64  // unix seconds, supplied by the caller (no wall-clock reads in this package)
}

// ModuleInfo is the catalog record cached per (module, version). It is
// immutable once inserted; catalog.Cache.GetModuleVersion returns a defensive copy with
// Cached set appropriately rather than aliasing the stored record.
type ModuleInfo struct {
	Module      string
	Version     string
	ImageRef    string
	GitURL      string
	GitCommit   string
	DataVolume  *DataVolumeRef // optional ref-data mount descriptor
	Cached      bool
}

// DataVolumeRef names a reference-data folder/version pair mounted
// read-only at /data when a module declares one.
type DataVolumeRef struct {
	Folder  string
	Version string
}

// Copy returns a copy of the ModuleInfo, including its own copy of
// DataVolume, safe to hand to a caller without risking later catalog
// mutation aliasing it.
func (m *ModuleInfo) Copy() *ModuleInfo {
	if m == nil {
		return nil
	}
	c := *m
	if m.DataVolume != nil {
		dv := *m.DataVolume
		c.DataVolume = &dv
	}
	return &c
}

// ProvenanceAction records one launched container. Append-only once
// added to an aggregator.
type ProvenanceAction struct {
	Name    string `json:"name"`
	Ver     string `json:"ver"`
	CodeURL string `json:"code_url"`
	Commit  string `json:"commit"`
}

// VolumeMount is one entry in the ordered mount list the method runner
// hands the runtime adapter.
type VolumeMount struct {
	HostDir      string
	ContainerDir string
	ReadOnly     bool
}

// QueueEventKind tags the variant of a QueueEvent.
type QueueEventKind int

const (
	EventSubmit QueueEventKind = iota
	EventFinished
	EventFinishedSpecial
	EventCancel
)

func (k QueueEventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventFinished:
		return "finished"
	case EventFinishedSpecial:
		return "finished_special"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// QueueEvent is the unit the supervisor consumes from its single
// multi-producer single-consumer inbound channel.
type QueueEvent struct {
	Kind    QueueEventKind
	JobID   string
	Params  map[string]interface{} // Submit only
	Payload map[string]interface{} // FinishedSpecial only
}

// CallbackReplyKind tags the variant of a CallbackReply.
type CallbackReplyKind int

const (
	ReplyOutput CallbackReplyKind = iota
	ReplyProvenance
)

// CallbackReply is the unit the supervisor emits on the outbound queue
// for the callback endpoint to correlate against a waiting HTTP
// handler.
type CallbackReply struct {
	Kind      CallbackReplyKind
	JobID     string                 // Output only; correlates to the subjob that was submitted
	Document  map[string]interface{} // Output only
	Snapshot  []ProvenanceAction     // Provenance only
}
