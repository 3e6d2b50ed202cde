package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, "ok", Status(nil))
	assert.Equal(t, "error", Status(errors.New("x")))
}

func TestCollectorsRegisterAndCount(t *testing.T) {
	before := testutil.ToFloat64(PrimitiveCalls.WithLabelValues("mouse_click", "error"))
	PrimitiveCalls.WithLabelValues("mouse_click", Status(errors.New("refused"))).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PrimitiveCalls.WithLabelValues("mouse_click", "error")))

	ActiveRuns.Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(ActiveRuns))
	ActiveRuns.Set(0)
}
