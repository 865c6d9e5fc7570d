package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

func TestLogger_WritesFields(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output)
	logger := NewLogger(zlog)

	logger.Info("enrollment created", reconcile.Field{Key: "enrollment_id", Value: "e1"})

	if output.Len() == 0 {
		t.Fatal("expected log output")
	}
	if !strings.Contains(output.String(), "enrollment_id") {
		t.Errorf("expected field in output, got %s", output.String())
	}
}

func TestLogger_Levels(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output)
	logger := NewLogger(zlog)

	logger.Debug("debug message")
	logger.Warn("warn message")
	logger.Error("error message")

	got := output.String()
	for _, level := range []string{"debug", "warn", "error"} {
		if !strings.Contains(got, level) {
			t.Errorf("expected %s level in output", level)
		}
	}
}

func TestLogger_DisabledLevel(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output).Level(zerolog.ErrorLevel)
	logger := NewLogger(zlog)

	logger.Debug("should be suppressed")

	if output.Len() != 0 {
		t.Errorf("expected no output below error level, got %s", output.String())
	}
}
