// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockArtifactRepository is an autogenerated mock type for the ArtifactRepository type.
type MockArtifactRepository struct {
	mock.Mock
}

func (m *MockArtifactRepository) Create(ctx domain.Context, a domain.Artifact) (string, error) {
	args := m.Called(ctx, a)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactRepository) ListByJob(ctx domain.Context, jobID string) ([]domain.Artifact, error) {
	args := m.Called(ctx, jobID)
	if v := args.Get(0); v != nil {
		return v.([]domain.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockArtifactRepository) DeleteExpired(ctx domain.Context, asOf time.Time) (int, error) {
	args := m.Called(ctx, asOf)
	return args.Int(0), args.Error(1)
}
