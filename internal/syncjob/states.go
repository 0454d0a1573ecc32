package syncjob

// State is one phase of a job. Transitions are only possible through the
// ToX methods of the current state.
type State interface {
	Name() string
}

// InitState - job created, nothing done yet
type InitState struct{}

func (s *InitState) Name() string { return "init" }
func (s *InitState) ToActivityScan() *ActivityScanState {
	return &ActivityScanState{}
}
func (s *InitState) ToDataSync() *DataSyncState {
	return &DataSyncState{}
}
func (s *InitState) ToComplete() *CompleteState {
	return &CompleteState{}
}

// ActivityScanState - discovering new activities
type ActivityScanState struct{}

func (s *ActivityScanState) Name() string { return "activity-scan" }
func (s *ActivityScanState) ToDataSync() *DataSyncState {
	return &DataSyncState{}
}
func (s *ActivityScanState) ToError() *ErrorState {
	return &ErrorState{}
}
func (s *ActivityScanState) ToComplete() *CompleteState {
	return &CompleteState{}
}

// DataSyncState - fetching streams and running local stages
type DataSyncState struct{}

func (s *DataSyncState) Name() string { return "data-sync" }
func (s *DataSyncState) ToError() *ErrorState {
	return &ErrorState{}
}
func (s *DataSyncState) ToComplete() *CompleteState {
	return &CompleteState{}
}

// ErrorState - terminal, the job failed
type ErrorState struct{}

func (s *ErrorState) Name() string { return "error" }

// CompleteState - terminal, the job finished or was cancelled
type CompleteState struct{}

func (s *CompleteState) Name() string { return "complete" }

// StateRecorder tracks state transitions for tests
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
