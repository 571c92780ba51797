//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/relaykit/llmgate/internal/settingsvc"
)

type SettingsRepoSuite struct {
	suite.Suite
	ctx  context.Context
	repo *SettingsRepo
}

func (s *SettingsRepoSuite) SetupTest() {
	truncateAll(s.T())
	s.ctx = context.Background()
	s.repo = NewSettingsRepo(integrationDB)
}

func TestSettingsRepoSuite(t *testing.T) {
	suite.Run(t, new(SettingsRepoSuite))
}

func (s *SettingsRepoSuite) TestReadEmptyReturnsZeroValue() {
	got, err := s.repo.Read(s.ctx)
	s.Require().NoError(err)
	s.Equal(settingsvc.Settings{}, got)
}

func (s *SettingsRepoSuite) TestWriteThenRead() {
	want := settingsvc.Settings{
		KeyRotationRequestCount: 10,
		MaxFailureCount:         5,
		RateLimitCooldown:       60,
		LogRetentionDays:        30,
		MaxRetries:              3,
		Endpoint:                "https://api.openai.com/v1",
		FailoverDelay:           2,
		LoadBalancingStrategy:   settingsvc.StrategyLeastConnection,
		RequestRateLimit:        0,
		EnableGoogleGrounding:   true,
	}

	s.Require().NoError(s.repo.Write(s.ctx, want))
	got, err := s.repo.Read(s.ctx)
	s.Require().NoError(err)
	s.Equal(want, got)
}

func (s *SettingsRepoSuite) TestWriteUpserts() {
	first := settingsvc.Settings{Endpoint: "https://first.example", MaxRetries: 1}
	s.Require().NoError(s.repo.Write(s.ctx, first))

	second := settingsvc.Settings{Endpoint: "https://second.example", MaxRetries: 2}
	s.Require().NoError(s.repo.Write(s.ctx, second))

	got, err := s.repo.Read(s.ctx)
	s.Require().NoError(err)
	s.Equal("https://second.example", got.Endpoint)
	s.Equal(2, got.MaxRetries)
}
