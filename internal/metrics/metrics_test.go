package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noticeboard/pkg/types"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Upgrades.WithLabelValues(ResultOK).Inc()
	m.ObserveDirectory(types.Stats{Channels: 3, Identities: 2})

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["noticeboard_upgrades_total"])
	assert.True(t, names["noticeboard_channels_active"])
	assert.True(t, names["noticeboard_identities_active"])
}

func TestNew_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestObserveDirectory(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDirectory(types.Stats{Channels: 5, Identities: 2})
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ChannelsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.IdentitiesActive))

	m.ObserveDirectory(types.Stats{})
	assert.Zero(t, testutil.ToFloat64(m.ChannelsActive))
}

func TestObservePush(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePush(time.Now(), 3, 1)
	m.ObservePush(time.Now(), 2, 0)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.PushDeliveries.WithLabelValues(ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PushDeliveries.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PushDuration))
}
