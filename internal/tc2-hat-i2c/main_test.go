package i2c

import (
	"testing"

	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexStringToByte(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"0x08", 0x08, false},
		{"0xFF", 0xFF, false},
		{"0xff", 0xFF, false},
		{"08", 0, true},
		{"0x8", 0, true},
		{"1x08", 0, true},
		{"0xZZ", 0, true},
	}
	for _, tt := range tests {
		got, err := hexStringToByte(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{"read", "--address", "0x08", "--reg", "0x00", "-n", "2", "--crc"})
	require.NoError(t, err)
	require.NotNil(t, args.Read)
	assert.Equal(t, "0x08", args.Read.Address)
	assert.Equal(t, 2, args.Read.Len)
	assert.True(t, args.Read.CRC)

	args, err = procArgs([]string{"--direct", "write", "--address", "0x08", "--reg", "0x01", "--val", "0x05"})
	require.NoError(t, err)
	assert.True(t, args.Direct)
	require.NotNil(t, args.Write)
	assert.Equal(t, "0x05", args.Write.Val)
}

func TestReadWriteFind(t *testing.T) {
	bus := i2crequest.NewMockBus(
		i2crequest.TxResponse{Response: []byte{0x84, 0x84}},
		i2crequest.TxResponse{},
		i2crequest.TxResponse{Response: []byte{0x00}},
	)

	data, err := read(bus, &Read{Address: "0x08", Reg: "0x00", Len: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x84, 0x84}, data)

	require.NoError(t, write(bus, &Write{Address: "0x08", Reg: "0x01", Val: "0x05", CRC: true}))
	assert.Equal(t, []byte{0x01, 0x05, 0xAC}, bus.Requests[1].Write)

	found, err := find(bus, &Find{Address: "0x08"})
	require.NoError(t, err)
	assert.True(t, found)

	_, err = read(bus, &Read{Address: "0x8", Reg: "0x00"})
	assert.Error(t, err)
}
