// internal/autofix/mocks_test.go
package autofix_test

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix"
)

// MockFixer is a mock implementation of FixerInterface.
type MockFixer struct {
	mock.Mock
}

func (m *MockFixer) Fix(ctx context.Context, req autofix.FixRequest) (string, bool) {
	args := m.Called(ctx, req)
	return args.String(0), args.Bool(1)
}

// MockLLMClient is a mock implementation of schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// MockPersister is a mock implementation of AbilityPersister.
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveAbilities(ctx context.Context, set *abilities.Set) error {
	return m.Called(ctx, set).Error(0)
}

// MockReportStore is a mock implementation of schemas.ReportStore.
type MockReportStore struct {
	mock.Mock
}

func (m *MockReportStore) SaveRoundReport(ctx context.Context, sessionID string, report *schemas.RoundReport) error {
	return m.Called(ctx, sessionID, report).Error(0)
}

func (m *MockReportStore) SaveCumulativeReport(ctx context.Context, report *schemas.CumulativeReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *MockReportStore) LoadCumulativeReport(ctx context.Context, sessionID string) (*schemas.CumulativeReport, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.CumulativeReport), args.Error(1)
}

func (m *MockReportStore) SaveOperationReport(ctx context.Context, label string, report *schemas.OperationReport) error {
	return m.Called(ctx, label, report).Error(0)
}

func (m *MockReportStore) LoadOperationReport(ctx context.Context, label string) (*schemas.OperationReport, error) {
	args := m.Called(ctx, label)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.OperationReport), args.Error(1)
}

// -- Fixtures --

func newAbility(id, command string) schemas.Ability {
	return schemas.Ability{
		AbilityID:     id,
		Name:          "ability " + id,
		Tactic:        "discovery",
		TechniqueID:   "T1082",
		TechniqueName: "System Information Discovery",
		Executors: []schemas.Executor{
			{Name: "psh", Platform: "windows", Command: command},
		},
	}
}

func successLink(abilityID string, n int) schemas.Link {
	return schemas.Link{
		LinkID:     fmt.Sprintf("%s-ok-%d", abilityID, n),
		AbilityID:  abilityID,
		Paw:        "paw1",
		Status:     0,
		Stdout:     "done",
		FinishTime: "2025-01-01T10:00:00Z",
	}
}

func failedLink(abilityID, command, stderr string, n int) schemas.Link {
	return schemas.Link{
		LinkID:     fmt.Sprintf("%s-fail-%d", abilityID, n),
		AbilityID:  abilityID,
		Paw:        fmt.Sprintf("paw%d", n),
		Command:    command,
		Status:     1,
		ExitCode:   "1",
		Stderr:     stderr,
		FinishTime: fmt.Sprintf("2025-01-01T10:0%d:00Z", n),
	}
}
