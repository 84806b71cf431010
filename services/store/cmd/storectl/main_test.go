package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd(&config.Config{})

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"migrate", "refresh", "purge-tokens"})
}

func TestRefreshRequiresOrderID(t *testing.T) {
	root := newRootCmd(&config.Config{})
	root.SetArgs([]string{"refresh"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestPrintRefreshMarksSelectedPayment(t *testing.T) {
	pays := []gateway.Payment{
		{ID: "pay_1", Status: "failed", CreatedAt: 100},
		{ID: "pay_2", Status: "captured", CreatedAt: 200},
	}
	res := &service.RefreshResult{
		Payments: pays,
		Selected: &pays[1],
		Result:   domain.ApplyApplied,
		Order:    &domain.Order{ID: 7, GatewayOrderID: "order_abc123", Status: domain.OrderCompleted},
	}

	var out bytes.Buffer
	require.NoError(t, printRefresh(&out, res, false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "order order_abc123 (id 7): completed", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  pay_1"))
	assert.True(t, strings.HasPrefix(lines[2], "* pay_2"))
	assert.Equal(t, "decision: applied", lines[3])

	out.Reset()
	require.NoError(t, printRefresh(&out, res, true))
	assert.Contains(t, out.String(), `"result": "applied"`)
}
