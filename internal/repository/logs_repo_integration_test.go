//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/relaykit/llmgate/internal/proxylog"
)

type LogsRepoSuite struct {
	suite.Suite
	ctx  context.Context
	repo *LogsRepo
}

func (s *LogsRepoSuite) SetupTest() {
	truncateAll(s.T())
	s.ctx = context.Background()
	s.repo = NewLogsRepo(integrationDB)
}

func TestLogsRepoSuite(t *testing.T) {
	suite.Run(t, new(LogsRepoSuite))
}

func (s *LogsRepoSuite) TestCreate() {
	err := s.repo.Create(s.ctx, proxylog.RequestLog{
		ApiKeyID:     "k1",
		Timestamp:    time.Now(),
		StatusCode:   200,
		IsError:      false,
		ModelUsed:    "gpt-4",
		ResponseTime: 150 * time.Millisecond,
		IPAddress:    "203.0.113.5",
	})
	s.Require().NoError(err)
}

func (s *LogsRepoSuite) TestDeleteOlderThan() {
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	s.Require().NoError(s.repo.Create(s.ctx, proxylog.RequestLog{ApiKeyID: "k1", Timestamp: old, StatusCode: 200}))
	s.Require().NoError(s.repo.Create(s.ctx, proxylog.RequestLog{ApiKeyID: "k1", Timestamp: recent, StatusCode: 200}))

	cutoff := time.Now().Add(-24 * time.Hour)
	deleted, err := s.repo.DeleteOlderThan(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)
}
