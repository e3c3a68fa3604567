package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

// Cluster names must be RFC1035 labels of at most 52 characters.
var clusterNameRe = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,50}[a-z0-9])?$`)

// validate checks every constraint and reports all violations at once, so a
// user can fix a request in one pass.
func (r *Resolver) validate(spec *ClusterSpec) error {
	var violations error

	if spec.Project == "" {
		violations = multierr.Append(violations, errors.New("project is required"))
	}
	if spec.Region == "" {
		violations = multierr.Append(violations, errors.New("region is required"))
	}
	if spec.Zone == "" {
		violations = multierr.Append(violations, errors.New("zone is required"))
	}
	if !clusterNameRe.MatchString(spec.ClusterName.String()) {
		violations = multierr.Append(violations,
			fmt.Errorf("cluster name %q must match %s", spec.ClusterName, clusterNameRe))
	}

	if workers, ok := spec.Config.GetInt("workerConfig", "numInstances"); ok && workers == 0 {
		if _, hasSecondary := spec.Config.Get("secondaryWorkerConfig"); hasSecondary {
			violations = multierr.Append(violations,
				errors.New("secondary workers configured but worker count is zero"))
		}
	}

	if r.imageRe != nil {
		if version, ok := spec.Config.GetString("softwareConfig", "imageVersion"); ok {
			if !r.imageRe.MatchString(version) {
				violations = multierr.Append(violations,
					fmt.Errorf("image version %q does not match allowed pattern %s", version, r.imageRe))
			}
		}
	}

	if subnet, ok := spec.Config.GetString("gceClusterConfig", "subnetworkUri"); ok {
		if err := checkURIGeo(subnet, spec.Region); err != nil {
			violations = multierr.Append(violations, err)
		}
	}

	if violations == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSpec, violations)
}

// checkURIGeo verifies that a regional resource URI refers to the broker's
// region. Short names and global resources pass.
func checkURIGeo(uri, region string) error {
	parts := strings.Split(uri, "/")
	for i, p := range parts {
		if p == "regions" && i+1 < len(parts) {
			got := parts[i+1]
			if got != region && got != "global" {
				return fmt.Errorf("subnetwork %q is in region %s, not %s", uri, got, region)
			}
		}
	}
	return nil
}
