package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/heliowatch/pkg/config"
	"github.com/hed1ad/heliowatch/pkg/scoring"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HELIOWATCH_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestScoreCommand(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		score      float64
		category   scoring.Category
		confidence int
	}{
		{
			name:     "quiet wind",
			args:     []string{"score", "--json"},
			score:    0,
			category: scoring.SolarWindEnhancement,
		},
		{
			name:     "dense wind",
			args:     []string{"score", "--json", "--density", "16", "--alpha", "0.64"},
			score:    0.3,
			category: scoring.SolarWindEnhancement,
		},
		{
			name:       "halo signature",
			args:       []string{"score", "--json", "--density", "20", "--alpha", "2", "--velocity", "700", "--temperature", "50000"},
			score:      0.85,
			category:   scoring.HaloCME,
			confidence: 85,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)

			var got scoreReport
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.InDelta(t, tt.score, got.Value, 1e-9)
			assert.Equal(t, tt.category, got.Category)
			assert.NotEmpty(t, got.Reasons)

			if tt.confidence == 0 {
				assert.Nil(t, got.Detection)
				return
			}
			require.NotNil(t, got.Detection)
			assert.Equal(t, tt.confidence, got.Detection.Confidence)
			assert.Equal(t, scoring.StatusConfirmed, got.Detection.Status)
		})
	}
}

func TestScoreCommandRejectsThreshold(t *testing.T) {
	_, err := execute(t, "score", "--threshold", "2")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestGenerateThenRun(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wind.csv")

	_, err := execute(t, "generate", "--hours", "1", "--end", "2024-05-10T17:00:00Z", "--seed", "3", "-o", file)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 61)
	assert.Equal(t, "timestamp,proton_density,alpha_density,proton_velocity,proton_temperature", lines[0])
	assert.True(t, strings.HasPrefix(lines[60], "2024-05-10T17:00:00Z,"))

	out, err := execute(t, "run", "--data-dir", dir, "--json", "--explain=false", "--threshold", "0.1")
	require.NoError(t, err)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 60, report.Rows)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Stages, 4)
	for _, st := range report.Stages {
		assert.Equal(t, "completed", string(st.State))
	}
}

func TestRunWritesDetectionsCSV(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "generate", "--hours", "1", "--end", "2024-05-10T17:00:00Z", "--seed", "3",
		"-o", filepath.Join(dir, "wind.csv"))
	require.NoError(t, err)

	// every record exceeds a zero threshold
	detections := filepath.Join(t.TempDir(), "detections.csv")
	_, err = execute(t, "run", "--data-dir", dir, "--explain=false", "--threshold", "0", "-o", detections)
	require.NoError(t, err)

	data, err := os.ReadFile(detections)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "id,timestamp,type,score,confidence,status,reasons", lines[0])
	assert.Greater(t, len(lines), 1)
}
