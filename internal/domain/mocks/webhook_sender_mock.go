// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockWebhookSender is an autogenerated mock type for the WebhookSender type.
type MockWebhookSender struct {
	mock.Mock
}

func (m *MockWebhookSender) Send(ctx domain.Context, url string, job domain.Job) error {
	args := m.Called(ctx, url, job)
	return args.Error(0)
}
