// Package assign ties node selection and credential provisioning into the
// single operation handed to clients: pick the best node, mint (or reuse the
// static) credential, return connection details.
package assign

import (
	"context"

	"github.com/outfleet/outline-control-plane/internal/model"
)

type NodeSelector interface {
	Select(ctx context.Context, regionCode, poolCode string) (*model.Node, error)
}

type CredentialIssuer interface {
	Issue(ctx context.Context, node *model.Node, deviceRef string) (*model.Assignment, error)
}

type Service struct {
	selector NodeSelector
	issuer   CredentialIssuer
}

func New(selector NodeSelector, issuer CredentialIssuer) *Service {
	return &Service{selector: selector, issuer: issuer}
}

// Assign selects a node under the given hints and provisions deviceRef on it.
// Selection and provisioning errors propagate untouched so the caller can
// tell a configuration gap from an outage from a broken node API.
func (s *Service) Assign(ctx context.Context, deviceRef, regionCode, poolCode string) (*model.Assignment, error) {
	node, err := s.selector.Select(ctx, regionCode, poolCode)
	if err != nil {
		return nil, err
	}
	assignment, err := s.issuer.Issue(ctx, node, deviceRef)
	if err != nil {
		return nil, err
	}
	if poolCode != "" {
		assignment.Pool = &poolCode
	}
	return assignment, nil
}
