// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockUserRepository is an autogenerated mock type for the UserRepository type.
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx domain.Context, u domain.User) (string, error) {
	args := m.Called(ctx, u)
	return args.String(0), args.Error(1)
}

func (m *MockUserRepository) Get(ctx domain.Context, id string) (domain.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *MockUserRepository) GetByPlatformIdentity(ctx domain.Context, platform domain.Platform, platformUserID string) (domain.User, error) {
	args := m.Called(ctx, platform, platformUserID)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *MockUserRepository) GetByAPIKey(ctx domain.Context, apiKey string) (domain.User, error) {
	args := m.Called(ctx, apiKey)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *MockUserRepository) UpdateLastActive(ctx domain.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockUserRepository) UpdatePlan(ctx domain.Context, id string, tier domain.PlanTier) error {
	args := m.Called(ctx, id, tier)
	return args.Error(0)
}
