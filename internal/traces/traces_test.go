package traces

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_Attributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "commission.calculate", OrderID("o1"), BatchSize(3))
	defer span.End()
	assert.NotNil(t, ctx)
	assert.Equal(t, "order.id", string(OrderID("o1").Key))
	assert.Equal(t, int64(3), BatchSize(3).Value.AsInt64())
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "agent.id", string(AgentID("a1").Key))
	assert.Equal(t, "commission.record_id", string(RecordID("com_1").Key))
	assert.Equal(t, "12.50", Amount("12.50").Value.AsString())
	assert.Equal(t, "site.id", string(SiteID("s1").Key))
}
