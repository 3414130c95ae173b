package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockAction struct {
	mock.Mock
	name string
}

func (m *MockAction) Name() string { return m.name }

func (m *MockAction) Execute(ctx context.Context, data map[string]interface{}) error {
	return m.Called(ctx, data).Error(0)
}

func TestBuiltinsRegistered(t *testing.T) {
	d := NewActionDispatcher(false)
	assert.True(t, d.Has("terminate_sessions"))
	assert.True(t, d.Has("lock_account"))
	assert.False(t, d.Has("block_ip"))
}

func TestDisabledDispatcherSkips(t *testing.T) {
	d := NewActionDispatcher(false)
	a := &MockAction{name: "terminate_sessions"}
	d.RegisterAction(a)

	assert.NoError(t, d.Execute(context.Background(), "terminate_sessions", map[string]interface{}{"username": "x"}))
	a.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestExecuteActionsContinuesAfterFailure(t *testing.T) {
	d := NewActionDispatcher(true)
	first := &MockAction{name: "terminate_sessions"}
	second := &MockAction{name: "lock_account"}
	data := map[string]interface{}{"username": "mallory"}
	first.On("Execute", mock.Anything, data).Return(errors.New("boom"))
	second.On("Execute", mock.Anything, data).Return(nil)
	d.RegisterAction(first)
	d.RegisterAction(second)

	d.ExecuteActions(context.Background(), []string{"terminate_sessions", "missing", "lock_account"}, data)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestUnknownAction(t *testing.T) {
	d := NewActionDispatcher(true)
	assert.Error(t, d.Execute(context.Background(), "nope", nil))
}
