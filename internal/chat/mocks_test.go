package chat

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/interviewace/backend/internal/models"
)

type MockTaskStore struct {
	mock.Mock
}

func (m *MockTaskStore) Create(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *MockTaskStore) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, result string) (bool, error) {
	args := m.Called(ctx, taskID, status, result)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskStore) SetError(ctx context.Context, taskID string, message string) (bool, error) {
	args := m.Called(ctx, taskID, message)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskStore) Cancel(ctx context.Context, taskID string) (bool, error) {
	args := m.Called(ctx, taskID)
	return args.Bool(0), args.Error(1)
}

type MockBilling struct {
	mock.Mock
}

func (m *MockBilling) PreCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID string) error {
	args := m.Called(ctx, userID, amount, taskID)
	return args.Error(0)
}

func (m *MockBilling) FinalizeCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID, description string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID, amount, taskID, description)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockBilling) RefundPreCharge(ctx context.Context, userID int64, taskID string) error {
	args := m.Called(ctx, userID, taskID)
	return args.Error(0)
}

// MockStreamer emits a scripted chunk sequence, or fails with Err after
// emitting whatever precedes it.
type MockStreamer struct {
	Chunks []string
	Err    error

	GotImage  string
	GotPrompt string
}

func (m *MockStreamer) Stream(ctx context.Context, base64Image, prompt string, emit func(chunk string) error) error {
	m.GotImage = base64Image
	m.GotPrompt = prompt
	for _, chunk := range m.Chunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return m.Err
}
