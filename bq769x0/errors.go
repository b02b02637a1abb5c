package bq769x0

import (
	"errors"
	"fmt"
)

var (
	ErrCRCMismatch = errors.New("crc mismatch")
	ErrNoResponse  = errors.New("no response from monitor")
	ErrShortRead   = errors.New("short read from monitor")
	ErrCCNotReady  = errors.New("CC_READY not set after oneshot request")
	ErrNotSetUp    = errors.New("ADC calibration has not been read")
)

// CRCError reports which byte of a read failed its check.
type CRCError struct {
	Index int
	Got   byte
	Want  byte
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("crc mismatch on byte %d: received 0x%02X, calculated 0x%02X", e.Index, e.Got, e.Want)
}

func (e *CRCError) Is(target error) bool {
	return target == ErrCRCMismatch
}
