package metrics

import "time"

// Recorder 工作流与链交互的指标记录
type Recorder interface {
	WorkflowFinished(workflow, state string, duration time.Duration)
	TransactionSubmitted(method string)
	TransactionResolved(method, status string, duration time.Duration)
	RPCCall(endpoint, method string, duration time.Duration, err error)
	CacheLookup(backend string, hit bool)
	AssetUploaded(kind string, size int)
	ErrorRecorded(kind, code string)
}

// NoopRecorder 不记录任何指标
type NoopRecorder struct{}

func (NoopRecorder) WorkflowFinished(string, string, time.Duration)    {}
func (NoopRecorder) TransactionSubmitted(string)                       {}
func (NoopRecorder) TransactionResolved(string, string, time.Duration) {}
func (NoopRecorder) RPCCall(string, string, time.Duration, error)      {}
func (NoopRecorder) CacheLookup(string, bool)                          {}
func (NoopRecorder) AssetUploaded(string, int)                         {}
func (NoopRecorder) ErrorRecorded(string, string)                      {}
