/*
tc2-bms-controller - Battery state of charge estimation for the BQ769x0
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package bq769x0

// Register addresses.
const (
	regSysStat   byte = 0x00
	regCellBal1  byte = 0x01
	regSysCtrl1  byte = 0x04
	regSysCtrl2  byte = 0x05
	regCCCfg     byte = 0x0B
	regVC1Hi     byte = 0x0C
	regBatHi     byte = 0x2A
	regTS1Hi     byte = 0x2C
	regCCHi      byte = 0x32
	regADCGain1  byte = 0x50
	regADCOffset byte = 0x51
	regADCGain2  byte = 0x59
)

// SYS_STAT bits. Writing a 1 clears the bit.
const (
	statCCReady      byte = 0x80
	statDeviceXReady byte = 0x20
	statUV           byte = 0x08
	statOV           byte = 0x04
	statSCD          byte = 0x02
	statOCD          byte = 0x01
)

// SYS_CTRL1 bits.
const (
	ctrl1ADCEn   byte = 0x10
	ctrl1TempSel byte = 0x08
)

// SYS_CTRL2 bits.
const (
	ctrl2CCEn      byte = 0x40
	ctrl2CCOneshot byte = 0x20
	ctrl2DSGOn     byte = 0x02
	ctrl2CHGOn     byte = 0x01
)

// ccCfgValue is the value the datasheet requires in CC_CFG after power up.
const ccCfgValue byte = 0x19

// maxCells is how many cell registers the largest part in the family has per group.
const maxCells = 5
