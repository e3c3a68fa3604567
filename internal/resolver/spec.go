// Package resolver merges layered configuration documents with per-request
// overrides into one validated cluster specification.
package resolver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/api/dataproc/v1"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/types"
)

// Label keys applied to every spawned cluster. SessionLabel is the
// identifying tag used for idempotent re-entry on create collisions.
const (
	SessionLabel     = "dataprochub-session"
	SpawnerHostLabel = "goog-dataproc-notebook-spawner"
)

// SpawnRequest is the caller-supplied input to a resolution: where to read
// configuration from, what to override inline, and whom the cluster is for.
type SpawnRequest struct {
	Session types.SessionID

	// ConfigLocations are template URIs loaded in order; later documents win.
	ConfigLocations []string

	// Overrides is applied after all documents, so the caller never has to
	// restate unrelated fields.
	Overrides configdoc.Value

	// Zone overrides the resolved zone when set (user form selection).
	Zone string

	// NamePattern generates the cluster name from the session identifier
	// when the merged configuration does not name the cluster itself.
	// Must contain a single %s verb, e.g. "dataprochub-%s".
	NamePattern string
}

// ClusterSpec is the fully merged, validated specification submitted to the
// provider. Config holds the cluster config subtree with the camelCase keys
// of the Dataproc REST API, so it converts to the wire type losslessly.
type ClusterSpec struct {
	Project     string
	Region      string
	Zone        string
	ClusterName types.ClusterName
	Labels      map[string]string
	Config      configdoc.Value
}

// ToCluster converts the spec into the Dataproc API request body.
func (s *ClusterSpec) ToCluster() (*dataproc.Cluster, error) {
	payload := map[string]interface{}{
		"projectId":   s.Project,
		"clusterName": s.ClusterName.String(),
		"config":      s.Config.Interface(),
		"labels":      s.Labels,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode cluster spec: %w", err)
	}
	var cluster dataproc.Cluster
	if err := json.Unmarshal(raw, &cluster); err != nil {
		return nil, fmt.Errorf("cluster spec does not match the Dataproc API shape: %w", err)
	}
	return &cluster, nil
}

// Canonical renders the spec deterministically. Two resolutions with
// identical inputs produce byte-identical output.
func (s *ClusterSpec) Canonical() ([]byte, error) {
	doc := configdoc.Map(
		configdoc.Field{Key: "projectId", Value: configdoc.String(s.Project)},
		configdoc.Field{Key: "region", Value: configdoc.String(s.Region)},
		configdoc.Field{Key: "zone", Value: configdoc.String(s.Zone)},
		configdoc.Field{Key: "clusterName", Value: configdoc.String(s.ClusterName.String())},
		configdoc.Field{Key: "labels", Value: labelsValue(s.Labels)},
		configdoc.Field{Key: "config", Value: s.Config},
	)
	return doc.Encode()
}

func labelsValue(labels map[string]string) configdoc.Value {
	v, err := configdoc.FromInterface(toInterfaceMap(labels))
	if err != nil {
		return configdoc.Map()
	}
	return v
}

func toInterfaceMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
