// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockUsageRepository is an autogenerated mock type for the UsageRepository type.
type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) IncrementUsage(ctx domain.Context, userID string, date time.Time, capability domain.Capability, tokens float64, completed, failed bool) error {
	args := m.Called(ctx, userID, date, capability, tokens, completed, failed)
	return args.Error(0)
}

func (m *MockUsageRepository) TokensUsedToday(ctx domain.Context, userID string, date time.Time) (float64, error) {
	args := m.Called(ctx, userID, date)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockUsageRepository) Get(ctx domain.Context, userID string, date time.Time) (domain.DailyUsage, error) {
	args := m.Called(ctx, userID, date)
	return args.Get(0).(domain.DailyUsage), args.Error(1)
}
