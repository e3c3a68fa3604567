package resolver

import "context"

// DefaultsProvider supplies environment-derived default values, consulted
// only for fields still absent after the merge. It is injected rather than
// read as ambient state so that resolution stays a pure function.
type DefaultsProvider interface {
	ProjectID(ctx context.Context) (string, error)
	Region(ctx context.Context) (string, error)
	Zone(ctx context.Context) (string, error)
	Subnetwork(ctx context.Context) (string, error)
	ServiceAccount(ctx context.Context) (string, error)
}

// StaticDefaults is a DefaultsProvider with fixed values, used when the
// administrator configures everything explicitly and in tests.
type StaticDefaults struct {
	Project       string
	DefaultRegion string
	DefaultZone   string
	Subnet        string
	ServiceAcct   string
}

func (s StaticDefaults) ProjectID(context.Context) (string, error)      { return s.Project, nil }
func (s StaticDefaults) Region(context.Context) (string, error)         { return s.DefaultRegion, nil }
func (s StaticDefaults) Zone(context.Context) (string, error)           { return s.DefaultZone, nil }
func (s StaticDefaults) Subnetwork(context.Context) (string, error)     { return s.Subnet, nil }
func (s StaticDefaults) ServiceAccount(context.Context) (string, error) { return s.ServiceAcct, nil }
