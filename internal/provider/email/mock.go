package email

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
)

// MockProvider is a deterministic email sender for tests and local runs.
// A metadata key "scenario" of "fail" produces a failed result.
type MockProvider struct {
	logger zerolog.Logger

	mu   sync.Mutex
	sent []string
}

var _ provider.Sender = (*MockProvider)(nil)

// NewMockProvider constructs a mock email sender.
func NewMockProvider(logger zerolog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger.With().Str("component", "email-mock-provider").Logger(),
	}
}

// Send records the message id and succeeds unless the scenario metadata asks
// for a failure.
func (p *MockProvider) Send(ctx context.Context, m *message.Message) (*provider.Result, error) {
	if m == nil || m.Email == nil {
		return nil, errors.New("email mock: email payload is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if scenario, ok := m.Metadata["scenario"]; ok && scenario == "fail" {
		return &provider.Result{Success: false, Error: "mock: delivery rejected"}, nil
	}

	p.mu.Lock()
	p.sent = append(p.sent, m.ID)
	p.mu.Unlock()

	p.logger.Debug().Str("message_id", m.ID).Msg("mock email accepted")
	return &provider.Result{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("mock-email-%s", m.ID),
	}, nil
}

// SentIDs returns the ids accepted so far.
func (p *MockProvider) SentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}
