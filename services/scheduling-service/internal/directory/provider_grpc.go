//go:build protogen

package directory

import (
	"context"
	"time"

	"github.com/physiobook/physiobook/libs/grpcx"
	directoryv1 "github.com/physiobook/physiobook/protos/gen/directory/v1"
)

type PractitionerInfo struct {
	ID       string
	ClinicID string
	Name     string
	Active   bool
}

type Provider interface {
	Practitioner(ctx context.Context, id string) (PractitionerInfo, bool, error)
}

type grpcProvider struct {
	client directoryv1.DirectoryServiceClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (p *grpcProvider) Practitioner(ctx context.Context, id string) (PractitionerInfo, bool, error) {
	resp, err := p.client.GetPractitioner(ctx, &directoryv1.PractitionerRequest{Id: id})
	if err != nil {
		return PractitionerInfo{}, false, err
	}
	if resp.GetId() == "" {
		return PractitionerInfo{}, false, nil
	}
	return PractitionerInfo{
		ID:       resp.GetId(),
		ClinicID: resp.GetClinicId(),
		Name:     resp.GetName(),
		Active:   resp.GetIsActive(),
	}, true, nil
}
