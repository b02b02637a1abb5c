package bms

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceMethods(t *testing.T) {
	rc := startController(t, &fakeCommands{}, nil, time.Hour)
	s := service{ctrl: rc.ctrl}

	assert.Nil(t, s.ForceEmptyAnchor())
	status, dbusErr := s.Status()
	require.Nil(t, dbusErr)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(status), &report))
	assert.Equal(t, 0.0, report.SoCPercent)
	assert.Equal(t, "empty-anchored", report.AnchorState)
	assert.True(t, report.SoCValid)

	assert.Nil(t, s.ForceFullAnchor())
	assert.Nil(t, s.ClearLearnedCapacity())
	assert.Nil(t, s.ClearFaults())
	assert.Nil(t, s.CCOneshot())
}

func TestServiceErrors(t *testing.T) {
	rc := startController(t, &fakeCommands{oneshotErr: errOneshot}, nil, time.Hour)
	s := service{ctrl: rc.ctrl}

	dbusErr := s.CCOneshot()
	require.NotNil(t, dbusErr)
	assert.Equal(t, "org.cacophony.bms.CCOneshot", dbusErr.Name)
	assert.Equal(t, []interface{}{errOneshot.Error()}, dbusErr.Body)

	rc.stop()
	dbusErr = s.ClearFaults()
	require.NotNil(t, dbusErr)
	assert.Equal(t, "org.cacophony.bms.ClearFaults", dbusErr.Name)
}

func TestMakeDbusError(t *testing.T) {
	err := makeDbusError(".Status", errors.New("boom"))
	assert.Equal(t, "org.cacophony.bms.Status", err.Name)
	assert.Equal(t, []interface{}{"boom"}, err.Body)
}
