package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, RequestFields(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithDeveloperID(ctx, "dev-1")
	ctx = WithUserID(ctx, "user-1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))
	assert.Equal(t, "dev-1", GetDeveloperID(ctx))
	assert.Equal(t, "user-1", GetUserID(ctx))
	assert.Len(t, RequestFields(ctx), 4)

	//nolint:staticcheck // nil context is tolerated
	assert.Empty(t, GetRequestID(nil))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithRequestID(context.Background(), "req-9")

	FromContext(ctx, zap.New(core)).Info("hello")

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "req-9", entries[0].ContextMap()[FieldRequestID])
	assert.NotNil(t, FromContext(context.Background(), nil))
}
