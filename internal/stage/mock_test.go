package stage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/clearscript-health/rxscan/internal/gateway"
)

// mockGateway implements Completer for stage tests.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Response), args.Error(1)
}

// respond sets up the mock to return text from the named model for any call.
func (m *mockGateway) respond(model, text string) {
	m.On("Complete", mock.Anything, mock.Anything).Return(&gateway.Response{
		Text:  text,
		Model: model,
	}, nil)
}
