package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/reconciler"
)

func TestMaskAccountID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"typical account ID", "1234567890", "******7890"},
		{"exactly 4 chars", "1234", "1234"},
		{"exactly 5 chars", "12345", "*2345"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskAccountID(tt.input))
		})
	}
}

func TestBuildReport(t *testing.T) {
	det := &reconciler.Detection{
		Deltas: []models.PositionDelta{
			{Ticker: "NVDA", FullSymbol: "NVDA", TradeID: 4, Action: models.ActionClosed, DBSize: 10, Direction: models.Long},
			{Ticker: "AMD", FullSymbol: "AMD", Action: models.ActionIncrease, IBSize: 25, Direction: models.Long, IsNew: true},
			{Ticker: "MSFT", FullSymbol: "MSFT", TradeID: 7, Action: models.ActionIncrease, DBSize: 5, IBSize: 8, Direction: models.Long},
		},
		OpenTrades:          map[string][]models.Trade{"NVDA": nil, "MSFT": nil},
		Positions:           map[string]*models.BrokerPosition{"AMD": {}, "MSFT": {}},
		IncreasesSuppressed: true,
	}

	rep := buildReport(det)
	assert.Equal(t, 2, rep.LedgerKeys)
	assert.Equal(t, 2, rep.BrokerKeys)
	assert.Equal(t, []string{
		"1 ledger trade(s) no longer held at the broker",
		"1 broker position(s) missing from the ledger",
		"pending orders could not be loaded, increases were not evaluated",
	}, rep.Issues)

	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "Deltas: 3")
	assert.Contains(t, out, "#4")
	assert.Contains(t, out, "POTENTIAL ISSUES FOUND")
}

func TestBuildReport_Clean(t *testing.T) {
	rep := buildReport(&reconciler.Detection{})
	assert.NotNil(t, rep.Deltas)
	assert.Empty(t, rep.Issues)

	var buf bytes.Buffer
	printReport(&buf, rep)
	assert.Contains(t, buf.String(), "Ledger matches broker.")
}
