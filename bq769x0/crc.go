package bq769x0

import "github.com/sigurn/crc8"

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x07,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF4,
	Name:   "CRC-8",
})

func checksum(data ...byte) byte {
	return crc8.Checksum(data, crcTable)
}

// frameWrite builds a CRC protected write. The first data byte's CRC also covers the
// slave address and register, each following byte is covered on its own.
func frameWrite(address, reg byte, data []byte) []byte {
	out := make([]byte, 0, 1+2*len(data))
	out = append(out, reg)
	for i, b := range data {
		out = append(out, b)
		if i == 0 {
			out = append(out, checksum(address<<1, reg, b))
		} else {
			out = append(out, checksum(b))
		}
	}
	return out
}

// unframeRead checks and strips the CRC bytes from a read of data/CRC pairs. The first
// CRC covers the read address and the first data byte.
func unframeRead(address byte, raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, ErrShortRead
	}
	out := make([]byte, len(raw)/2)
	for i := range out {
		b := raw[2*i]
		var want byte
		if i == 0 {
			want = checksum(address<<1|0x01, b)
		} else {
			want = checksum(b)
		}
		if got := raw[2*i+1]; got != want {
			return nil, &CRCError{Index: i, Got: got, Want: want}
		}
		out[i] = b
	}
	return out, nil
}
