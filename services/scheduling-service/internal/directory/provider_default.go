//go:build !protogen

package directory

import "context"

// Remote record for a practitioner as served by an external directory
// service. The default build has no generated gRPC clients, so
// NewProvider reports the provider as unavailable and callers fall
// back to the local registry.
type PractitionerInfo struct {
	ID       string
	ClinicID string
	Name     string
	Active   bool
}

type Provider interface {
	Practitioner(ctx context.Context, id string) (PractitionerInfo, bool, error)
}

func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
