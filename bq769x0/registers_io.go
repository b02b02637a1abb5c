package bq769x0

import (
	"fmt"

	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
)

// ReadRegisters reads n consecutive registers starting at reg. With crc set the
// chip returns a CRC after every byte, which is checked and stripped.
func ReadRegisters(bus i2crequest.Bus, address byte, crc bool, reg byte, n int) ([]byte, error) {
	readLen := n
	if crc {
		readLen = 2 * n
	}
	raw, err := bus.Tx(address, []byte{reg}, readLen)
	if err != nil {
		return nil, fmt.Errorf("%w: register 0x%02X: %v", ErrNoResponse, reg, err)
	}
	if len(raw) != readLen {
		return nil, fmt.Errorf("%w: register 0x%02X: expected %d bytes, got %d", ErrShortRead, reg, readLen, len(raw))
	}
	if !crc {
		return raw, nil
	}
	data, err := unframeRead(address, raw)
	if err != nil {
		return nil, fmt.Errorf("register 0x%02X: %w", reg, err)
	}
	return data, nil
}

// WriteRegister writes data to consecutive registers starting at reg.
func WriteRegister(bus i2crequest.Bus, address byte, crc bool, reg byte, data ...byte) error {
	write := append([]byte{reg}, data...)
	if crc {
		write = frameWrite(address, reg, data)
	}
	if _, err := bus.Tx(address, write, 0); err != nil {
		return fmt.Errorf("%w: register 0x%02X: %v", ErrNoResponse, reg, err)
	}
	return nil
}
