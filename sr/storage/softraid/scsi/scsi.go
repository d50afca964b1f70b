// Package scsi translates block commands onto a softraid volume.
package scsi

import (
	"encoding/binary"
	"errors"

	"github.com/golang/glog"

	"github.com/seaweedfs/softraid/sr/storage/softraid"
)

// SCSI opcode constants (SBC-4)
const (
	ScsiTestUnitReady uint8 = 0x00
	ScsiStartStopUnit uint8 = 0x1b
	ScsiRead10        uint8 = 0x28
	ScsiWrite10       uint8 = 0x2a
	ScsiSyncCache10   uint8 = 0x35
	ScsiRead16        uint8 = 0x88
	ScsiWrite16       uint8 = 0x8a
	ScsiSyncCache16   uint8 = 0x91
)

// SCSI status codes
const (
	SCSIStatusGood      uint8 = 0x00
	SCSIStatusCheckCond uint8 = 0x02
	SCSIStatusBusy      uint8 = 0x08
)

// SCSI sense keys
const (
	SenseNoSense        uint8 = 0x00
	SenseNotReady       uint8 = 0x02
	SenseMediumError    uint8 = 0x03
	SenseHardwareError  uint8 = 0x04
	SenseIllegalRequest uint8 = 0x05
)

// ASC/ASCQ pairs
const (
	ASCQLuk              uint8 = 0x00
	ASCNotReady          uint8 = 0x04
	ASCQStartRequired    uint8 = 0x02 // initializing command required
	ASCQNotReady         uint8 = 0x03 // manual intervention required
	ASCWriteError        uint8 = 0x0c
	ASCUnrecoveredRead   uint8 = 0x11
	ASCInvalidOpcode     uint8 = 0x20
	ASCLBAOutOfRange     uint8 = 0x21
	ASCInvalidFieldInCDB uint8 = 0x24
)

// Volume is the command surface of a softraid volume.
type Volume interface {
	Read(blk uint64, buf []byte) error
	Write(blk uint64, data []byte) error
	SyncCache() error
	TestUnitReady() error
	StartStop(start bool) error
	// Size returns the capacity in blocks.
	Size() uint64
}

var _ Volume = &softraid.Volume{}

// SCSIHandler processes CDBs against one volume.
type SCSIHandler struct {
	vol Volume
}

func NewSCSIHandler(vol Volume) *SCSIHandler {
	return &SCSIHandler{vol: vol}
}

// SCSIResult holds the result of a SCSI command execution.
type SCSIResult struct {
	Status    uint8  // SCSI status
	Data      []byte // Response data (for Data-In)
	SenseKey  uint8  // Sense key (if CHECK_CONDITION)
	SenseASC  uint8  // Additional sense code
	SenseASCQ uint8  // Additional sense code qualifier
}

// HandleCommand dispatches a CDB. dataOut carries the data of WRITE commands.
func (h *SCSIHandler) HandleCommand(cdb [16]byte, dataOut []byte) SCSIResult {
	switch cdb[0] {
	case ScsiTestUnitReady:
		return h.result(h.vol.TestUnitReady(), 0)
	case ScsiStartStopUnit:
		return h.startStop(cdb)
	case ScsiRead10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		return h.doRead(lba, uint32(binary.BigEndian.Uint16(cdb[7:9])))
	case ScsiRead16:
		return h.doRead(binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]))
	case ScsiWrite10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		return h.doWrite(lba, uint32(binary.BigEndian.Uint16(cdb[7:9])), dataOut)
	case ScsiWrite16:
		return h.doWrite(binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]), dataOut)
	case ScsiSyncCache10, ScsiSyncCache16:
		return h.result(h.vol.SyncCache(), 0)
	default:
		return illegalRequest(ASCInvalidOpcode, ASCQLuk)
	}
}

func (h *SCSIHandler) startStop(cdb [16]byte) SCSIResult {
	// LOEJ and power conditions are not supported.
	if cdb[4]&0x02 != 0 || cdb[4]&0xf0 != 0 {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	return h.result(h.vol.StartStop(cdb[4]&0x01 != 0), 0)
}

func (h *SCSIHandler) doRead(lba uint64, transferLen uint32) SCSIResult {
	if transferLen == 0 {
		return SCSIResult{Status: SCSIStatusGood}
	}
	if lba+uint64(transferLen) > h.vol.Size() {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}
	data := make([]byte, uint64(transferLen)*softraid.BlockSize)
	if err := h.vol.Read(lba, data); err != nil {
		return h.result(err, ASCUnrecoveredRead)
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) doWrite(lba uint64, transferLen uint32, dataOut []byte) SCSIResult {
	if transferLen == 0 {
		return SCSIResult{Status: SCSIStatusGood}
	}
	if lba+uint64(transferLen) > h.vol.Size() {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}
	expectedBytes := uint64(transferLen) * softraid.BlockSize
	if uint64(len(dataOut)) < expectedBytes {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	if err := h.vol.Write(lba, dataOut[:expectedBytes]); err != nil {
		return h.result(err, ASCWriteError)
	}
	return SCSIResult{Status: SCSIStatusGood}
}

// result maps a volume error to a status and sense. A non-zero mediumASC
// reports I/O failures as medium errors.
func (h *SCSIHandler) result(err error, mediumASC uint8) SCSIResult {
	var violation *softraid.InvariantViolation
	switch {
	case err == nil:
		return SCSIResult{Status: SCSIStatusGood}
	case errors.Is(err, softraid.ErrTryAgain):
		return SCSIResult{Status: SCSIStatusBusy}
	case errors.Is(err, softraid.ErrIllegalRequest):
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	case errors.Is(err, softraid.ErrNotReady):
		return notReady(ASCQStartRequired)
	case errors.Is(err, softraid.ErrVolumeOffline), errors.Is(err, softraid.ErrVolumeClosed), errors.As(err, &violation):
		return notReady(ASCQNotReady)
	case mediumASC != 0 && (errors.Is(err, softraid.ErrIO) || errors.Is(err, softraid.ErrTransform)):
		glog.V(1).Infof("scsi: medium error: %v", err)
		return SCSIResult{
			Status:    SCSIStatusCheckCond,
			SenseKey:  SenseMediumError,
			SenseASC:  mediumASC,
			SenseASCQ: 0x00,
		}
	}
	glog.V(1).Infof("scsi: hardware error: %v", err)
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseHardwareError,
		SenseASC:  0x00,
		SenseASCQ: 0x00,
	}
}

// BuildSenseData constructs a fixed-format sense data buffer (18 bytes).
func BuildSenseData(key, asc, ascq uint8) []byte {
	data := make([]byte, 18)
	data[0] = 0x70       // Response code: current errors, fixed format
	data[2] = key & 0x0f // Sense key
	data[7] = 10         // Additional sense length
	data[12] = asc       // ASC
	data[13] = ascq      // ASCQ
	return data
}

func illegalRequest(asc, ascq uint8) SCSIResult {
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseIllegalRequest,
		SenseASC:  asc,
		SenseASCQ: ascq,
	}
}

func notReady(ascq uint8) SCSIResult {
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseNotReady,
		SenseASC:  ASCNotReady,
		SenseASCQ: ascq,
	}
}
