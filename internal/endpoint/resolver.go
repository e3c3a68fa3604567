// Package endpoint maps a ready cluster descriptor to the user-facing
// connection target.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dataprochub/broker/internal/gateway"
)

// ErrEndpointUnavailable is returned when a healthy cluster advertises no
// gateway endpoint and no primary node address. Some providers populate
// endpoints slightly after operation completion, so callers should re-check
// a bounded number of times before treating the session as degraded-ready.
var ErrEndpointUnavailable = errors.New("cluster has no reachable endpoint")

// Component gateway entries tried in order before any other advertised port.
var preferredPorts = []string{"JupyterLab", "Jupyter"}

// Descriptor is the resolved connection target for a session.
type Descriptor struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Path   string `json:"path,omitempty"`
}

// URL renders the descriptor as a connectable URL.
func (d Descriptor) URL() string {
	host := d.Host
	if d.Port != 0 {
		host = d.Host + ":" + strconv.Itoa(d.Port)
	}
	u := url.URL{Scheme: d.Scheme, Host: host, Path: d.Path}
	return u.String()
}

// Resolver computes connection targets with a managed-gateway-first policy.
type Resolver struct {
	notebookPort int
}

// New creates a Resolver. notebookPort is the well-known port used for the
// direct primary-node fallback.
func New(notebookPort int) *Resolver {
	return &Resolver{notebookPort: notebookPort}
}

// Resolve prefers a component gateway URL when the cluster advertises one
// and falls back to the primary node's zonal DNS name on the notebook port.
func (r *Resolver) Resolve(cluster *gateway.ClusterDescriptor) (Descriptor, error) {
	if cluster == nil {
		return Descriptor{}, ErrEndpointUnavailable
	}

	if d, ok := gatewayDescriptor(cluster.HTTPPorts); ok {
		return d, nil
	}

	host := masterFQDN(cluster)
	if host == "" {
		return Descriptor{}, fmt.Errorf("%w: cluster %s", ErrEndpointUnavailable, cluster.ClusterName)
	}
	return Descriptor{Scheme: "http", Host: host, Port: r.notebookPort}, nil
}

func gatewayDescriptor(httpPorts map[string]string) (Descriptor, bool) {
	if len(httpPorts) == 0 {
		return Descriptor{}, false
	}

	for _, name := range preferredPorts {
		if raw, ok := httpPorts[name]; ok {
			if d, ok := parseGatewayURL(raw); ok {
				return d, true
			}
		}
	}

	// Any advertised port beats the direct fallback; iterate sorted for
	// deterministic selection.
	names := make([]string, 0, len(httpPorts))
	for name := range httpPorts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d, ok := parseGatewayURL(httpPorts[name]); ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

func parseGatewayURL(raw string) (Descriptor, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Descriptor{}, false
	}
	d := Descriptor{Scheme: u.Scheme, Host: u.Hostname(), Path: u.Path}
	if d.Scheme == "" {
		d.Scheme = "https"
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Descriptor{}, false
		}
		d.Port = port
	}
	return d, true
}

// masterFQDN builds the primary node's zonal DNS name:
// <instance>.<zone>.c.<project>.internal, with domain-scoped projects
// ("domain:project") mapping to <instance>.<zone>.c.<project>.<domain>.internal.
func masterFQDN(cluster *gateway.ClusterDescriptor) string {
	instance := ""
	if len(cluster.MasterInstances) > 0 {
		instance = cluster.MasterInstances[0]
	} else if cluster.ClusterName.IsValid() {
		instance = cluster.ClusterName.String() + "-m"
	}
	if instance == "" || cluster.Zone == "" || cluster.Project == "" {
		return ""
	}

	if domain, project, ok := strings.Cut(cluster.Project, ":"); ok {
		return fmt.Sprintf("%s.%s.c.%s.%s.internal", instance, cluster.Zone, project, domain)
	}
	return fmt.Sprintf("%s.%s.c.%s.internal", instance, cluster.Zone, cluster.Project)
}
