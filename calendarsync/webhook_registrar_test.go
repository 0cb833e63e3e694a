package calendarsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"calsync-cloud/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

func (f *fixture) registrar(api Provider) *WebhookRegistrar {
	wr := NewWebhookRegistrar(f.store, api, "https://sync.example.com/google-webhook", "hook-secret", quietLogger())
	wr.now = func() time.Time { return testNow }
	wr.newID = func() string { return "chan-1" }
	return wr
}

func TestRegisterPersistsChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sync := f.addSync(t, "primary", store.DirectionBoth)
	api := &fakeCalendar{}

	ch, err := f.registrar(api).Register(ctx, f.conn, sync)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", ch.Id)

	require.Len(t, api.watched, 1)
	sent := api.watched[0]
	assert.Equal(t, "web_hook", sent.Type)
	assert.Equal(t, "hook-secret", sent.Token)
	assert.Equal(t, "https://sync.example.com/google-webhook", sent.Address)
	assert.Equal(t, testNow.Add(ChannelTTL).UnixMilli(), sent.Expiration)

	got, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", *got.WebhookChannelID)
	assert.Equal(t, "resource-chan-1", *got.WebhookResourceID)
	assert.True(t, got.WebhookExpiration.Equal(testNow.Add(ChannelTTL)))

	logs, err := f.store.RecentLogs(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.OpWebhookSetup, logs[0].Operation)
	assert.Equal(t, store.LogSuccess, logs[0].Status)
}

func TestRegisterRequiresURL(t *testing.T) {
	f := newFixture(t)
	sync := f.addSync(t, "primary", store.DirectionBoth)
	wr := NewWebhookRegistrar(f.store, &fakeCalendar{}, "", "secret", quietLogger())

	_, err := wr.Register(context.Background(), f.conn, sync)
	assert.Error(t, err)
}

func TestRenewReplacesChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sync := f.addSync(t, "primary", store.DirectionBoth)
	require.NoError(t, f.store.SetWebhook(ctx, sync.ID, "old-chan", "old-res", testNow.Add(time.Hour)))
	sync, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)

	api := &fakeCalendar{stopErr: errors.New("already stopped")}
	_, err = f.registrar(api).Renew(ctx, f.conn, sync)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-chan"}, api.stopped)

	got, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", *got.WebhookChannelID)

	logs, err := f.store.RecentLogs(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.OpWebhookRenew, logs[0].Operation)
}

func TestRenewFailureClearsChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sync := f.addSync(t, "primary", store.DirectionBoth)
	require.NoError(t, f.store.SetWebhook(ctx, sync.ID, "old-chan", "old-res", testNow.Add(time.Hour)))
	sync, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)

	api := &fakeCalendar{watch: func(string, *calendar.Channel) (*calendar.Channel, error) {
		return nil, errors.New("push not supported for this calendar")
	}}
	_, err = f.registrar(api).Renew(ctx, f.conn, sync)
	require.Error(t, err)

	got, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WebhookChannelID)
	assert.Nil(t, got.WebhookResourceID)
	assert.Nil(t, got.WebhookExpiration)

	logs, err := f.store.RecentLogs(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.LogError, logs[0].Status)
	assert.Contains(t, *logs[0].ErrorMessage, "push not supported")
}

func TestUnregisterAlwaysClears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sync := f.addSync(t, "primary", store.DirectionBoth)
	require.NoError(t, f.store.SetWebhook(ctx, sync.ID, "old-chan", "old-res", testNow.Add(time.Hour)))
	sync, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)

	api := &fakeCalendar{stopErr: errors.New("network down")}
	require.NoError(t, f.registrar(api).Unregister(ctx, f.conn, sync))
	assert.Equal(t, []string{"old-chan"}, api.stopped)

	got, err := f.store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WebhookChannelID)
}
