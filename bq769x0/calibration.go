package bq769x0

const (
	tsLSBVolts       = 382e-6
	dieTempV25       = 1.200
	dieTempSlope     = 0.0042
	ccLSBMicrovolts  = 8.44
	ccWarnMicrovolts = 200000.0
	baseGainUV       = 365
)

// Calibration is the factory ADC trim read from the chip.
type Calibration struct {
	GainUVPerLSB int
	OffsetMV     int
}

// decodeCalibration assembles the 5 bit gain code split across ADCGAIN1 and ADCGAIN2.
func decodeCalibration(gain1, offset, gain2 byte) Calibration {
	code := int((gain1>>2)&0x03)<<3 | int((gain2>>5)&0x07)
	return Calibration{
		GainUVPerLSB: baseGainUV + code,
		OffsetMV:     int(int8(offset)),
	}
}

// CellMV converts a 14 bit cell reading to millivolts.
func (c Calibration) CellMV(adc14 uint16) int {
	return c.GainUVPerLSB*int(adc14&0x3FFF)/1000 + c.OffsetMV
}

// PackMV converts the 16 bit BAT reading to millivolts.
func (c Calibration) PackMV(bat16 uint16, cells int) int {
	return 4*c.GainUVPerLSB*int(bat16)/1000 + cells*c.OffsetMV
}

// TSVolts converts a 14 bit TS reading to volts.
func TSVolts(adc14 uint16) float64 {
	return float64(adc14&0x3FFF) * tsLSBVolts
}

// DieTempC converts a TS reading taken with TEMP_SEL cleared to the die temperature.
func DieTempC(adc14 uint16) float64 {
	return 25 - (TSVolts(adc14)-dieTempV25)/dieTempSlope
}

// SenseUV converts the coulomb counter reading to the voltage across the sense resistor.
func SenseUV(cc int16) float64 {
	return float64(cc) * ccLSBMicrovolts
}

// CurrentMA converts a sense voltage to current through a resistor of rsenseMilliohm.
func CurrentMA(senseUV float64, rsenseMilliohm int) float64 {
	return senseUV / float64(rsenseMilliohm)
}

func word14(hi, lo byte) uint16 {
	return uint16(hi&0x3F)<<8 | uint16(lo)
}

func word16(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}
