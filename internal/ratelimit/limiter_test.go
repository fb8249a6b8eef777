package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
)

func TestAllowGeneration_AnonymousUnderLimit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectIncr("rl:gen:anon:sess-1").SetVal(1)
	mock.ExpectExpire("rl:gen:anon:sess-1", 8*time.Hour).SetVal(true)

	l := NewLimiter(rdb)
	err := l.AllowGeneration(context.Background(), domain.AnonymousPrincipal("sess-1"), domain.PlanFree)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowGeneration_AnonymousOverLimit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectIncr("rl:gen:anon:sess-1").SetVal(4)
	mock.ExpectDecr("rl:gen:anon:sess-1").SetVal(3)
	mock.ExpectTTL("rl:gen:anon:sess-1").SetVal(90 * time.Minute)

	l := NewLimiter(rdb)
	err := l.AllowGeneration(context.Background(), domain.AnonymousPrincipal("sess-1"), domain.PlanFree)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeRateLimited))

	appErr := apperr.From(err)
	assert.Equal(t, 5400, appErr.Details["retry_after"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowGeneration_StandardUsesHourlyWindow(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectIncr("rl:gen:std:user-1").SetVal(1)
	mock.ExpectExpire("rl:gen:std:user-1", time.Hour).SetVal(true)

	l := NewLimiter(rdb)
	err := l.AllowGeneration(context.Background(), domain.UserPrincipal("user-1"), domain.PlanStandard)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowGeneration_StandardTenthRequestAllowed(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectIncr("rl:gen:std:user-1").SetVal(10)

	l := NewLimiter(rdb)
	err := l.AllowGeneration(context.Background(), domain.UserPrincipal("user-1"), domain.PlanStandard)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowGeneration_PlusAndPremiumBypass(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := NewLimiter(rdb)

	for _, plan := range []domain.Plan{domain.PlanPlus, domain.PlanPremium, domain.PlanFree} {
		err := l.AllowGeneration(context.Background(), domain.UserPrincipal("user-1"), plan)
		require.NoError(t, err, "plan %s should bypass the limiter", plan)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
