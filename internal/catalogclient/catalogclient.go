// Package catalogclient is the real RPC implementation of
// catalog.Client: it resolves module versions and volume mounts
// against the SDK catalog service over JSON-RPC-shaped HTTP, the same
// wire shape internal/engine and internal/authclient use.
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/retry"
)

// Client talks to the SDK catalog's module_version.* RPC surface.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
	retryCfg   *retry.Config
}

// New returns a Client pointed at baseURL. adminToken is sent as the
// Authorization header on every call; it may be empty for catalogs
// that allow anonymous reads.
func New(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		adminToken: adminToken,
		http:       &http.Client{},
		retryCfg:   retry.DefaultConfig(),
	}
}

type rpcRequest struct {
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Version string        `json:"version"`
}

type rpcResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *rpcError         `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) ([]json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, Version: "1.1"})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result []json.RawMessage
	err = retry.WithBackoff(ctx, c.retryCfg, method, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.adminToken != "" {
			req.Header.Set("Authorization", c.adminToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("%s: %w", method, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(fmt.Errorf("%s: reading response: %w", method, err))
		}

		if resp.StatusCode != http.StatusOK {
			return &retry.StatusError{Code: resp.StatusCode, Body: string(raw)}
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("%s: decoding response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("%s: catalog error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}

		result = rpcResp.Result
		return nil
	})
	return result, err
}

// moduleVersionResult mirrors the subset of module_version.get_module_version
// fields this runner cares about.
type moduleVersionResult struct {
	Module    string `json:"module_name"`
	Version   string `json:"version"`
	ImageRef  string `json:"docker_img_name"`
	GitURL    string `json:"git_url"`
	GitCommit string `json:"git_commit_hash"`
	DataVolume *struct {
		Folder  string `json:"data_folder"`
		Version string `json:"data_version"`
	} `json:"data_version,omitempty"`
}

// GetModuleVersion resolves module at version (or the released version
// when version is empty) to its image and provenance metadata.
func (c *Client) GetModuleVersion(ctx context.Context, module, version string) (*jobmodel.ModuleInfo, error) {
	params := map[string]interface{}{"module_name": module}
	if version != "" {
		params["version"] = version
	}

	result, err := c.call(ctx, "module_version.get_module_version", []interface{}{params})
	if err != nil {
		return nil, err
	}
	if len(result) < 1 {
		return nil, fmt.Errorf("get_module_version: empty result for %s", module)
	}

	var mv moduleVersionResult
	if err := json.Unmarshal(result[0], &mv); err != nil {
		return nil, fmt.Errorf("get_module_version: decoding result: %w", err)
	}

	info := &jobmodel.ModuleInfo{
		Module:    mv.Module,
		Version:   mv.Version,
		ImageRef:  mv.ImageRef,
		GitURL:    mv.GitURL,
		GitCommit: mv.GitCommit,
	}
	if mv.DataVolume != nil {
		info.DataVolume = &jobmodel.DataVolumeRef{Folder: mv.DataVolume.Folder, Version: mv.DataVolume.Version}
	}
	return info, nil
}

type volumeMountResult struct {
	HostDir      string `json:"host_dir"`
	ContainerDir string `json:"container_dir"`
	ReadOnly     bool   `json:"read_only"`
}

// GetVolumeMounts resolves the extra host mounts the catalog declares
// for the (module, method, client_group) triple. An empty result is
// not an error: most modules declare none.
func (c *Client) GetVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]jobmodel.VolumeMount, error) {
	params := map[string]interface{}{
		"module_name":  module,
		"method":       method,
		"client_group": clientGroup,
	}

	result, err := c.call(ctx, "module_version.get_volume_mounts", []interface{}{params})
	if err != nil {
		return nil, err
	}
	if len(result) < 1 {
		return nil, nil
	}

	var raw []volumeMountResult
	if err := json.Unmarshal(result[0], &raw); err != nil {
		return nil, fmt.Errorf("get_volume_mounts: decoding result: %w", err)
	}

	mounts := make([]jobmodel.VolumeMount, 0, len(raw))
	for _, m := range raw {
		mounts = append(mounts, jobmodel.VolumeMount{HostDir: m.HostDir, ContainerDir: m.ContainerDir, ReadOnly: m.ReadOnly})
	}
	return mounts, nil
}
