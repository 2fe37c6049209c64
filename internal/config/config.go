// Package config holds the process-wide settings read from the CLI,
// the job's upstream configuration document, and environment
// variables that tune ambient behavior.
package config

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/env"
	"gopkg.in/yaml.v3"
)

var (
	// ClientGroup tags which volume-mount policy this job's subjobs use.
	ClientGroup = env.GetEnvOrDefault("AWE_CLIENTGROUP", "None")

	// CondorID is copied verbatim into container labels when set.
	CondorID = env.GetEnvOrDefault("CONDOR_ID", "")

	// DebugRunner enables stderr/stdout mirroring of log lines.
	DebugRunner = env.GetEnvAsBoolOrDefault("DEBUG_RUNNER", "false")

	// DefaultWorkDir is the root under which primary and subjob
	// workspaces are created when no --workdir flag is given.
	DefaultWorkDir = env.GetEnvOrDefault("JOBRUNNER_WORKDIR", "/mnt/awe/condor")

	// DefaultRefDataDir is mounted read-only at /data for modules that
	// declare a data-volume requirement.
	DefaultRefDataDir = env.GetEnvOrDefault("JOBRUNNER_REFDATA_DIR", "/tmp/ref")

	// DefaultMaxTasks is the concurrency cap used when the job's own
	// configuration document does not specify one.
	DefaultMaxTasks = env.GetEnvAsIntOrDefault("JOBRUNNER_MAX_TASKS", "20")
)

// Document is the per-invocation configuration document passed via
// --config (or fetched alongside job params from the execution
// engine). It mirrors the shape of JobConfigDoc returned by
// get_job_params but is parsed from YAML when supplied on disk.
type Document struct {
	KBaseEndpoint     string `yaml:"kbase_endpoint"`
	WorkspaceURL      string `yaml:"workspace_url"`
	ShockURL          string `yaml:"shock_url"`
	HandleURL         string `yaml:"handle_url"`
	AuthServiceURL    string `yaml:"auth_service_url"`
	AuthAllowInsecure bool   `yaml:"auth_service_url_allow_insecure"`
	CatalogURL        string `yaml:"catalog_url"`

	Runtime    string `yaml:"runtime"`
	RefDataDir string `yaml:"refdata_dir"`
	WorkDir    string `yaml:"workdir"`
	MaxTasks   int    `yaml:"max_tasks"`

	VolumeMounts []VolumeMountSpec `yaml:"volume_mounts"`
}

// VolumeMountSpec is one entry of the config document's volume_mounts
// list, prior to ${username} expansion.
type VolumeMountSpec struct {
	HostDir      string `yaml:"host_dir"`
	ContainerDir string `yaml:"container_dir"`
	ReadOnly     bool   `yaml:"read_only"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	if doc.MaxTasks == 0 {
		doc.MaxTasks = DefaultMaxTasks
	}
	if doc.WorkDir == "" {
		doc.WorkDir = DefaultWorkDir
	}
	if doc.RefDataDir == "" {
		doc.RefDataDir = DefaultRefDataDir
	}
	if doc.Runtime == "" {
		doc.Runtime = "docker"
	}

	return &doc, nil
}
