package bq769x0

import (
	"testing"

	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRegisters(t *testing.T) {
	bus := i2crequest.NewMockBus(
		crcRead(0x84, 0x84),
		i2crequest.TxResponse{Response: []byte{0x12, 0x34}},
		i2crequest.TxResponse{Response: []byte{0x12}},
	)

	data, err := ReadRegisters(bus, testAddress, true, regSysStat, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x84, 0x84}, data)
	assert.Equal(t, 4, bus.Requests[0].ReadLen)

	data, err = ReadRegisters(bus, testAddress, false, regSysStat, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, data)

	_, err = ReadRegisters(bus, testAddress, false, regSysStat, 2)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestWriteRegister(t *testing.T) {
	bus := i2crequest.NewMockBus(ack, ack)
	require.NoError(t, WriteRegister(bus, testAddress, true, regCellBal1, 0x05))
	require.NoError(t, WriteRegister(bus, testAddress, false, regCellBal1, 0x05))
	assert.Equal(t, []byte{0x01, 0x05, 0xAC}, bus.Requests[0].Write)
	assert.Equal(t, []byte{0x01, 0x05}, bus.Requests[1].Write)

	assert.ErrorIs(t, WriteRegister(bus, testAddress, false, regCellBal1, 0x05), ErrNoResponse)
}
