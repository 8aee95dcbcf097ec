package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/alert/channel"
)

type recordingChannel struct {
	sent []channel.Message
}

func (r *recordingChannel) Type() channel.ChannelType { return channel.ChannelTypeEmail }

func (r *recordingChannel) Send(ctx context.Context, msg channel.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingChannel) Test(ctx context.Context, recipient string) error { return nil }

func TestNotifyProxyDegraded_SendsToOperators(t *testing.T) {
	ch := &recordingChannel{}
	d := New(ch, []string{"ops@example.com"})

	err := d.NotifyProxyDegraded(context.Background(), "rollback reload failed")
	require.NoError(t, err)

	require.Len(t, ch.sent, 1)
	assert.Contains(t, ch.sent[0].Subject, "reverse proxy degraded")
	assert.Contains(t, ch.sent[0].Body, "rollback reload failed")
	assert.Equal(t, []string{"ops@example.com"}, ch.sent[0].Recipients)
}

func TestNotifyApplianceBootstrapFailed_SendsToOperators(t *testing.T) {
	ch := &recordingChannel{}
	d := New(ch, []string{"ops@example.com"})

	err := d.NotifyApplianceBootstrapFailed(context.Background(), "dhcp lease file missing")
	require.NoError(t, err)

	require.Len(t, ch.sent, 1)
	assert.Contains(t, ch.sent[0].Body, "dhcp lease file missing")
}

func TestDispatcher_NilChannelIsNoOp(t *testing.T) {
	d := New(nil, nil)
	assert.NoError(t, d.NotifyProxyDegraded(context.Background(), "x"))
	assert.NoError(t, d.NotifyApplianceBootstrapFailed(context.Background(), "x"))
}
