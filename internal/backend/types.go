package backend

import "sort"

// HealthStatus is the backend health report.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  int64  `json:"uptime_sec,omitempty"`
	Queue   int    `json:"queue_depth,omitempty"`
}

// Template describes a runnable workflow template.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
}

// RunRequest submits one job against a template.
type RunRequest struct {
	Template        string            `json:"template"`
	Params          map[string]string `json:"params,omitempty"`
	RequireApproval bool              `json:"require_approval"`
	Requester       string            `json:"requester,omitempty"`
	Platform        string            `json:"platform,omitempty"`
}

// RunResponse acknowledges a submitted job.
type RunResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status,omitempty"`
	Approval string `json:"approval_id,omitempty"`
}

// ImageRef points at one output image in backend storage.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// NodeOutput is the per-node output list in a history entry.
type NodeOutput struct {
	Images []ImageRef `json:"images,omitempty"`
}

// HistoryResult is the state of one job in backend history.
type HistoryResult struct {
	JobID     string                `json:"job_id"`
	Completed bool                  `json:"completed"`
	Status    string                `json:"status,omitempty"`
	Error     string                `json:"error,omitempty"`
	Outputs   map[string]NodeOutput `json:"outputs,omitempty"`
}

// Images flattens every node's image list in stable node-key order.
func (h HistoryResult) Images() []ImageRef {
	var refs []ImageRef
	for _, key := range sortedKeys(h.Outputs) {
		refs = append(refs, h.Outputs[key].Images...)
	}
	return refs
}

// JobInfo is one entry in the running-jobs listing.
type JobInfo struct {
	JobID    string `json:"job_id"`
	Template string `json:"template,omitempty"`
	Status   string `json:"status,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// Approval is one pending human approval.
type Approval struct {
	ID        string `json:"id"`
	Template  string `json:"template,omitempty"`
	Requester string `json:"requester,omitempty"`
	Summary   string `json:"summary,omitempty"`
	State     string `json:"state,omitempty"`
}

// Schedule is one configured recurring job.
type Schedule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cron    string `json:"cron,omitempty"`
	Enabled bool   `json:"enabled"`
}

// TraceEntry is one step of a job execution trace.
type TraceEntry struct {
	Step    string `json:"step"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Elapsed int64  `json:"elapsed_ms,omitempty"`
}

// ChatRequest asks the backend's LLM capability for a reply.
type ChatRequest struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// ChatResponse is the LLM reply text.
type ChatResponse struct {
	Text string `json:"text"`
}

// ConfigSnapshot is the backend's redacted configuration dump.
type ConfigSnapshot map[string]any

func sortedKeys(m map[string]NodeOutput) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
