package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	attrs := Carrier{}
	prop.Inject(ctx, attrs)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", attrs.Get("traceparent"))
	require.Contains(t, attrs.Keys(), "traceparent")

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), attrs))
	require.Equal(t, traceID, extracted.TraceID())
}

func TestPublishWithoutClientFails(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "harvest-changes", map[string]string{})
	require.Error(t, err)
}

func TestPublishDeliversJSONPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	topic, err := client.CreateTopic(ctx, "harvest-jobs")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "harvest-jobs-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := NewWithClient(client)
	id, err := pub.Publish(ctx, "harvest-jobs", map[string]string{"job_id": "job-1", "status": "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "job-1", got["job_id"])

	require.NoError(t, pub.Close())
}
