package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/types"
)

type statusResult struct {
	status OperationStatus
	err    error
}

// Fake is an in-memory Gateway for tests and mock mode. Status responses can
// be scripted per call; with nothing scripted it reports RUNNING for
// AutoSucceedAfter polls and then DONE_SUCCESS with a component gateway URL.
type Fake struct {
	mu sync.Mutex

	createErrs  []error
	statusQueue []statusResult
	deleteErr   error
	descriptor  *ClusterDescriptor

	// AutoSucceedAfter is the number of RUNNING polls before an unscripted
	// fake cluster reports success.
	AutoSucceedAfter int

	createCalls int
	statusCalls int
	deleteCalls int

	logger *zap.Logger
}

// NewFake creates a fake gateway.
func NewFake(logger *zap.Logger) *Fake {
	return &Fake{AutoSucceedAfter: 2, logger: logger.Named("fake-gateway")}
}

// FailCreateWith queues errors returned by successive SubmitCreate calls.
func (f *Fake) FailCreateWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs = append(f.createErrs, errs...)
}

// EnqueueStatus scripts the next GetStatus responses in order.
func (f *Fake) EnqueueStatus(status OperationStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusQueue = append(f.statusQueue, statusResult{status: status, err: err})
}

// SetDescriptor fixes the descriptor reported on success and by Describe.
func (f *Fake) SetDescriptor(d *ClusterDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptor = d
}

// FailDeleteWith makes SubmitDelete return err.
func (f *Fake) FailDeleteWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

func (f *Fake) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *Fake) DeleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls
}

func (f *Fake) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *Fake) SubmitCreate(_ context.Context, spec *resolver.ClusterSpec) (types.ClusterHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	handle := types.ClusterHandle{
		Session:     types.SessionID(spec.Labels[resolver.SessionLabel]),
		Project:     spec.Project,
		Region:      spec.Region,
		ClusterName: spec.ClusterName,
	}

	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			if gerr, ok := AsError(err); ok && gerr.Kind == KindAlreadyExists {
				handle.ClusterUUID = gerr.ExistingUUID
				return handle, err
			}
			return types.ClusterHandle{}, err
		}
	}

	f.logger.Info("[FAKE] Cluster create submitted", handle.Session.ZapField(), handle.ClusterName.ZapField())
	return handle, nil
}

func (f *Fake) GetStatus(_ context.Context, handle types.ClusterHandle) (OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++

	if len(f.statusQueue) > 0 {
		next := f.statusQueue[0]
		f.statusQueue = f.statusQueue[1:]
		return next.status, next.err
	}

	if f.statusCalls <= f.AutoSucceedAfter {
		return OperationStatus{State: StateRunning}, nil
	}
	return OperationStatus{State: StateDoneSuccess, Cluster: f.descriptorFor(handle)}, nil
}

func (f *Fake) SubmitDelete(_ context.Context, handle types.ClusterHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.logger.Info("[FAKE] Cluster delete submitted", handle.ClusterName.ZapField())
	return nil
}

func (f *Fake) Describe(_ context.Context, handle types.ClusterHandle) (*ClusterDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptorFor(handle), nil
}

func (f *Fake) descriptorFor(handle types.ClusterHandle) *ClusterDescriptor {
	if f.descriptor != nil {
		return f.descriptor
	}
	return &ClusterDescriptor{
		Project:     handle.Project,
		Region:      handle.Region,
		Zone:        handle.Region + "-a",
		ClusterName: handle.ClusterName,
		ClusterUUID: "fake-uuid",
		Labels:      map[string]string{resolver.SessionLabel: handle.Session.String()},
		HTTPPorts: map[string]string{
			"Jupyter": fmt.Sprintf("https://fake-gateway/%s/jupyter/", handle.ClusterName),
		},
	}
}
