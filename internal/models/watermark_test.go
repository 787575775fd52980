package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		input   string
		want    Stage
		wantErr bool
	}{
		{input: "BRONZE", want: StageBronze},
		{input: "bronze", want: StageBronze},
		{input: "Silver", want: StageSilver},
		{input: "gold", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultEpoch(t *testing.T) {
	assert.Equal(t, time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC), DefaultEpoch)
}

func TestWatermarkValidate(t *testing.T) {
	valid := Watermark{
		Stage:         StageBronze,
		Symbol:        "BTCUSDT",
		LastProcessed: time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC),
		RowCount:      44640,
	}
	require.NoError(t, valid.Validate())

	t.Run("missing symbol", func(t *testing.T) {
		w := valid
		w.Symbol = ""
		assert.Error(t, w.Validate())
	})

	t.Run("unknown stage", func(t *testing.T) {
		w := valid
		w.Stage = "GOLD"
		assert.Error(t, w.Validate())
	})

	t.Run("zero timestamp", func(t *testing.T) {
		w := valid
		w.LastProcessed = time.Time{}
		assert.Error(t, w.Validate())
	})

	t.Run("negative row count", func(t *testing.T) {
		w := valid
		w.RowCount = -1
		assert.Error(t, w.Validate())
	})
}
