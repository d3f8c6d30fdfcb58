package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NotPanics(t, func() { m.MustRegisterAll(reg) })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
