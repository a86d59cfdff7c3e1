// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockPlanRepository is an autogenerated mock type for the PlanRepository type.
type MockPlanRepository struct {
	mock.Mock
}

func (m *MockPlanRepository) Get(ctx domain.Context, tier domain.PlanTier) (domain.Plan, error) {
	args := m.Called(ctx, tier)
	return args.Get(0).(domain.Plan), args.Error(1)
}

func (m *MockPlanRepository) List(ctx domain.Context) ([]domain.Plan, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]domain.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}
