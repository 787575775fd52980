package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar() Bar {
	open := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	return Bar{
		OpenTime:      open,
		CloseTime:     open.Add(time.Minute).Add(-time.Millisecond),
		Open:          "45000.10000000",
		High:          "45100.00000000",
		Low:           "44950.50000000",
		Close:         "45050.00000000",
		Volume:        "12.34500000",
		QuoteVolume:   "556132.12000000",
		TradeCount:    842,
		TakerBuyBase:  "6.10000000",
		TakerBuyQuote: "274891.00000000",
	}
}

func TestBarValidate(t *testing.T) {
	t.Run("valid bar passes", func(t *testing.T) {
		bar := validBar()
		require.NoError(t, bar.Validate())
	})

	tests := []struct {
		name   string
		modify func(*Bar)
		field  string
	}{
		{
			name:   "zero open time",
			modify: func(b *Bar) { b.OpenTime = time.Time{} },
			field:  "open_time",
		},
		{
			name:   "close time not after open time",
			modify: func(b *Bar) { b.CloseTime = b.OpenTime },
			field:  "close_time",
		},
		{
			name:   "malformed open price",
			modify: func(b *Bar) { b.Open = "not-a-number" },
			field:  "open",
		},
		{
			name:   "zero price",
			modify: func(b *Bar) { b.Open = "0"; b.Low = "0.000001" },
			field:  "open",
		},
		{
			name:   "negative volume",
			modify: func(b *Bar) { b.Volume = "-1" },
			field:  "volume",
		},
		{
			name:   "negative trade count",
			modify: func(b *Bar) { b.TradeCount = -1 },
			field:  "number_of_trades",
		},
		{
			name:   "high below close",
			modify: func(b *Bar) { b.High = "45000.00000000" },
			field:  "high",
		},
		{
			name:   "low above open",
			modify: func(b *Bar) { b.Low = "45001.00000000" },
			field:  "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := validBar()
			tt.modify(&bar)

			err := bar.Validate()
			require.Error(t, err)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestBarValidateAllowsZeroVolume(t *testing.T) {
	bar := validBar()
	bar.Volume = "0.00000000"
	bar.TradeCount = 0
	assert.NoError(t, bar.Validate())
}

func TestBarString(t *testing.T) {
	bar := validBar()
	s := bar.String()
	assert.Contains(t, s, "45000.10000000")
	assert.Contains(t, s, "2021-03-01T00:00:00Z")
}
