package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/dataproc/v1"

	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/types"
)

const defaultCallTimeout = 20 * time.Second

// dataprocGateway implements Gateway over the Dataproc REST API. Each broker
// region gets its own service pinned to the regional endpoint.
type dataprocGateway struct {
	service     *dataproc.Service
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewDataprocGateway wraps a Dataproc service client. The service should be
// constructed against the regional endpoint (see RegionalEndpoint).
func NewDataprocGateway(service *dataproc.Service, logger *zap.Logger) Gateway {
	return &dataprocGateway{
		service:     service,
		callTimeout: defaultCallTimeout,
		logger:      logger.Named("dataproc-gateway"),
	}
}

// RegionalEndpoint returns the Dataproc API endpoint for a region. The
// global endpoint is not supported.
func RegionalEndpoint(region string) string {
	return fmt.Sprintf("https://%s-dataproc.googleapis.com/", region)
}

func (g *dataprocGateway) SubmitCreate(ctx context.Context, spec *resolver.ClusterSpec) (types.ClusterHandle, error) {
	handle := types.ClusterHandle{
		Session:     types.SessionID(spec.Labels[resolver.SessionLabel]),
		Project:     spec.Project,
		Region:      spec.Region,
		ClusterName: spec.ClusterName,
	}

	cluster, err := spec.ToCluster()
	if err != nil {
		return types.ClusterHandle{}, &Error{Kind: KindUnknown, Op: "create", Err: err}
	}

	requestID := uuid.NewString()
	logger := g.logger.With(handle.Session.ZapField(), handle.ClusterName.ZapField(),
		zap.String("requestID", requestID))
	logger.Info("Submitting cluster create")

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	op, err := g.service.Projects.Regions.Clusters.
		Create(spec.Project, spec.Region, cluster).
		RequestId(requestID).
		Context(callCtx).Do()
	if err != nil {
		gerr := classify("create", err)
		if gerr.Kind == KindAlreadyExists {
			// Attach the existing cluster's identity so the orchestrator
			// can decide between idempotent re-entry and a collision.
			existing, derr := g.Describe(ctx, handle)
			if derr != nil {
				// Without the identity the caller cannot tell re-entry
				// from collision, so surface a retryable error: the next
				// create attempt hits the 409 again and re-describes.
				logger.Warn("Cluster already exists but describe failed", zap.Error(derr))
				return types.ClusterHandle{}, &Error{
					Kind: KindTransient,
					Op:   "create",
					Err: fmt.Errorf("cluster %s already exists but could not be described: %w",
						handle.ClusterName, derr),
				}
			}
			gerr.ExistingSession = existing.SessionTag()
			gerr.ExistingUUID = existing.ClusterUUID
			handle.ClusterUUID = existing.ClusterUUID
			return handle, gerr
		}
		logger.Warn("Cluster create failed", zap.String("kind", gerr.Kind.String()), zap.Error(err))
		return types.ClusterHandle{}, gerr
	}

	logger.Info("Cluster create submitted", zap.String("operation", op.Name))
	return handle, nil
}

func (g *dataprocGateway) GetStatus(ctx context.Context, handle types.ClusterHandle) (OperationStatus, error) {
	cluster, err := g.getCluster(ctx, handle)
	if err != nil {
		gerr := classify("status", err)
		if gerr.Kind == KindNotFound {
			// The cluster may not be visible yet right after submission.
			return OperationStatus{State: StatePending}, nil
		}
		return OperationStatus{}, gerr
	}
	return statusFromCluster(cluster), nil
}

func (g *dataprocGateway) SubmitDelete(ctx context.Context, handle types.ClusterHandle) error {
	logger := g.logger.With(handle.ZapFields()...)

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	_, err := g.service.Projects.Regions.Clusters.
		Delete(handle.Project, handle.Region, handle.ClusterName.String()).
		Context(callCtx).Do()
	if err != nil {
		gerr := classify("delete", err)
		if gerr.Kind == KindNotFound {
			// Already gone counts as satisfied.
			logger.Info("Cluster already deleted")
			return nil
		}
		logger.Warn("Cluster delete failed", zap.String("kind", gerr.Kind.String()), zap.Error(err))
		return gerr
	}

	logger.Info("Cluster delete submitted")
	return nil
}

func (g *dataprocGateway) Describe(ctx context.Context, handle types.ClusterHandle) (*ClusterDescriptor, error) {
	cluster, err := g.getCluster(ctx, handle)
	if err != nil {
		return nil, classify("describe", err)
	}
	return descriptorFromCluster(cluster, handle.Region), nil
}

func (g *dataprocGateway) getCluster(ctx context.Context, handle types.ClusterHandle) (*dataproc.Cluster, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	return g.service.Projects.Regions.Clusters.
		Get(handle.Project, handle.Region, handle.ClusterName.String()).
		Context(callCtx).Do()
}

func statusFromCluster(cluster *dataproc.Cluster) OperationStatus {
	state := ""
	detail := ""
	if cluster.Status != nil {
		state = cluster.Status.State
		detail = cluster.Status.Detail
	}

	switch state {
	case "CREATING", "STARTING":
		return OperationStatus{State: StateRunning}
	case "RUNNING", "UPDATING":
		return OperationStatus{
			State:   StateDoneSuccess,
			Cluster: descriptorFromCluster(cluster, regionFromCluster(cluster)),
		}
	case "ERROR", "ERROR_DUE_TO_UPDATE":
		if detail == "" {
			detail = "cluster entered ERROR state"
		}
		return OperationStatus{State: StateDoneError, Detail: detail}
	case "DELETING":
		return OperationStatus{State: StateDoneError, Detail: "cluster is pending deletion"}
	case "STOPPING", "STOPPED":
		return OperationStatus{State: StateDoneError, Detail: "cluster was stopped"}
	default:
		return OperationStatus{State: StatePending, Detail: detail}
	}
}

func descriptorFromCluster(cluster *dataproc.Cluster, region string) *ClusterDescriptor {
	d := &ClusterDescriptor{
		Project:     cluster.ProjectId,
		Region:      region,
		ClusterName: types.ClusterName(cluster.ClusterName),
		ClusterUUID: cluster.ClusterUuid,
		Labels:      cluster.Labels,
	}
	if cluster.Config != nil {
		if cluster.Config.GceClusterConfig != nil {
			d.Zone = zoneFromURI(cluster.Config.GceClusterConfig.ZoneUri)
		}
		if cluster.Config.EndpointConfig != nil {
			d.HTTPPorts = cluster.Config.EndpointConfig.HttpPorts
		}
		if cluster.Config.MasterConfig != nil {
			d.MasterInstances = cluster.Config.MasterConfig.InstanceNames
		}
	}
	return d
}

func regionFromCluster(cluster *dataproc.Cluster) string {
	if cluster.Labels != nil {
		if r, ok := cluster.Labels["goog-dataproc-location"]; ok {
			return r
		}
	}
	return ""
}

func zoneFromURI(zoneURI string) string {
	if zoneURI == "" {
		return ""
	}
	parts := []byte(zoneURI)
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == '/' {
			return zoneURI[i+1:]
		}
	}
	return zoneURI
}
