package tap

import (
	"context"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/annotation"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	endpoint := "inproc://tap-test"
	pub, err := NewPublisher(logs.NewTestingLog(t), endpoint)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := Subscribe(ctx, logs.NewTestingLog(t), endpoint)
	require.NoError(t, err)

	sent := annotation.NewMessage(640, 480, []nn.Detection{
		{Class: "person", Confidence: 0.75, X1: 0.25, Y1: 0.25, X2: 0.5, Y2: 0.75},
	})

	// A new subscriber misses messages until its subscription has reached the publisher
	var got *annotation.Message
	deadline := time.Now().Add(5 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		require.NoError(t, pub.Publish(sent))
		select {
		case got = <-msgs:
		case <-time.After(20 * time.Millisecond):
		}
	}
	require.NotNil(t, got)
	require.Equal(t, sent, got)
	nSent, _ := pub.Stats()
	require.GreaterOrEqual(t, nSent, int64(1))

	cancel()
	for range msgs {
	}

	pub.Close()
	require.Error(t, pub.Publish(sent))
}
