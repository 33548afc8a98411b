// Package sparkmax talks to REV SPARK MAX style motor controllers over SocketCAN.
package sparkmax

import (
	"encoding/binary"
	"math"

	"github.com/go-daq/canbus"
)

// constants from the FRC CAN specification and the controller data sheet.
const (
	kDeviceTypeMotorController uint32 = 2
	kManufacturerREV           uint32 = 5

	kDeviceIDMask uint32 = 0x3F
	kAPIIDMask    uint32 = 0x3FF

	// API ids, class<<4 | index
	kAPISetpointDutyCycle uint32 = 0x002
	kAPISetpointVelocity  uint32 = 0x012
	kAPISetpointPosition  uint32 = 0x032
	kAPIStatus0           uint32 = 0x060
	kAPIStatus5           uint32 = 0x065
	kAPIBurnFlash         uint32 = 0x072
	kAPIFactoryDefaults   uint32 = 0x074
	kAPIParameterBase     uint32 = 0x300

	kBurnFlashMagic uint16 = 0xA33A

	kNumBitsPerByte = 8
)

type paramID uint8

// Parameter ids as exposed by the controller's parameter table.
const (
	paramIdleMode            paramID = 6
	paramFeedbackSensorPID0  paramID = 8
	paramP0                  paramID = 13
	paramI0                  paramID = 14
	paramD0                  paramID = 15
	paramF0                  paramID = 16
	paramIZone0              paramID = 17
	paramOutputMin0          paramID = 19
	paramOutputMax0          paramID = 20
	paramSmartCurrentStall   paramID = 59
	paramSmartCurrentFree    paramID = 60
	paramAbsPositionFactor   paramID = 143
	paramAbsInverted         paramID = 146
	paramPositionWrapEnable  paramID = 149
	paramPositionWrapMin     paramID = 150
	paramPositionWrapMax     paramID = 151
)

type paramType byte

const (
	paramTypeInt32 paramType = iota
	paramTypeUint32
	paramTypeFloat32
	paramTypeBool
)

// arbitrationID builds the 29 bit FRC CAN identifier for a REV motor controller.
func arbitrationID(api uint32, device uint8) uint32 {
	return kDeviceTypeMotorController<<24 |
		kManufacturerREV<<16 |
		(api&kAPIIDMask)<<6 |
		uint32(device)&kDeviceIDMask
}

// splitArbitrationID returns the api and device id of a REV frame, ok is false for
// frames from other vendors or device types.
func splitArbitrationID(id uint32) (api uint32, device uint8, ok bool) {
	if id>>24&0x1F != kDeviceTypeMotorController || id>>16&0xFF != kManufacturerREV {
		return 0, 0, false
	}
	return id >> 6 & kAPIIDMask, uint8(id & kDeviceIDMask), true
}

type setpointCommand struct {
	device  uint8
	control ControlType
	value   float64
	arbFF   int16
	pidSlot uint8
}

// toFrame converts the setpoint command to a canbus data frame.
func (cmd *setpointCommand) toFrame() canbus.Frame {
	frame := canbus.Frame{
		ID:   arbitrationID(cmd.control.api(), cmd.device),
		Data: make([]byte, 8),
		Kind: canbus.EFF,
	}

	binary.LittleEndian.PutUint32(frame.Data[0:4], math.Float32bits(float32(cmd.value)))
	binary.LittleEndian.PutUint16(frame.Data[4:6], uint16(cmd.arbFF))
	frame.Data[6] = cmd.pidSlot & 0x03

	return frame
}

type parameterCommand struct {
	device uint8
	param  paramID
	kind   paramType
	raw    uint32
}

func floatParam(device uint8, param paramID, value float64) parameterCommand {
	return parameterCommand{device: device, param: param, kind: paramTypeFloat32, raw: math.Float32bits(float32(value))}
}

func uintParam(device uint8, param paramID, value uint32) parameterCommand {
	return parameterCommand{device: device, param: param, kind: paramTypeUint32, raw: value}
}

func boolParam(device uint8, param paramID, value bool) parameterCommand {
	cmd := parameterCommand{device: device, param: param, kind: paramTypeBool}
	if value {
		cmd.raw = 1
	}
	return cmd
}

// toFrame converts the parameter write to a canbus data frame.
func (cmd *parameterCommand) toFrame() canbus.Frame {
	frame := canbus.Frame{
		ID:   arbitrationID(kAPIParameterBase|uint32(cmd.param), cmd.device),
		Data: make([]byte, 5),
		Kind: canbus.EFF,
	}

	binary.LittleEndian.PutUint32(frame.Data[0:4], cmd.raw)
	frame.Data[4] = byte(cmd.kind)

	return frame
}

// systemFrame builds the frames used for flash and factory default requests.
func systemFrame(api uint32, device uint8, data []byte) canbus.Frame {
	return canbus.Frame{
		ID:   arbitrationID(api, device),
		Data: data,
		Kind: canbus.EFF,
	}
}

/*
 * Status frame signals
 *
 * A signal is a bit field inside a frame payload, scaled and offset into
 * engineering units. Limited to 32 bit signals.
 */
type signal struct {
	scalar       float64
	offset       float64
	start        uint8
	length       uint8
	littleEndian bool
	signed       bool
}

// byteMask returns the mask selecting the signal's bits within byte byteNum.
func byteMask(byteNum, lsb, msb uint8) uint8 {
	byteLsb := int32(byteNum) * kNumBitsPerByte
	byteMsb := (int32(byteNum)+1)*kNumBitsPerByte - 1

	var maskLsb, maskMsb uint8
	if int32(lsb) > byteLsb {
		maskLsb = uint8(int32(lsb) - byteLsb)
	}
	if int32(msb) >= byteMsb {
		maskMsb = kNumBitsPerByte - 1
	} else {
		maskMsb = uint8(int32(msb) - byteLsb)
	}

	return uint8((math.MaxUint8 << (maskMsb + 1)) ^ (math.MaxUint8 << maskLsb))
}

// extract decodes the signal from a frame payload. Payloads too short for the
// signal decode as the signal offset.
func (s signal) extract(data []byte) float64 {
	lsb := s.start
	msb := lsb + s.length - 1
	byteStart := lsb / kNumBitsPerByte
	byteStop := msb / kNumBitsPerByte
	if int(byteStop) >= len(data) {
		return s.offset
	}

	var raw uint32
	for i := byteStart; i <= byteStop; i++ {
		var shift uint8
		if s.littleEndian {
			shift = i - byteStart
		} else {
			shift = byteStop - i
		}
		raw += (uint32(byteMask(i, lsb, msb)) & uint32(data[i])) << (shift * kNumBitsPerByte)
	}

	raw >>= lsb - kNumBitsPerByte*byteStart

	var value float64
	if s.signed {
		signBit := s.length - 1
		if raw&(1<<signBit) != 0 {
			raw |= uint32(math.MaxUint32) << (signBit + 1)
		}
		value = float64(int32(raw))
	} else {
		value = float64(raw)
	}

	return value*s.scalar + s.offset
}

var (
	// status 0: applied output and fault bits
	signalAppliedOutput = signal{scalar: 1.0 / 32768, start: 0, length: 16, littleEndian: true, signed: true}
	signalFaults        = signal{scalar: 1, start: 16, length: 16, littleEndian: true}

	// status 5: absolute (duty cycle) encoder, position in rotations
	signalAbsPosition = signal{scalar: 1.0 / 65536, start: 0, length: 16, littleEndian: true}
	signalAbsVelocity = signal{scalar: 1.0 / 128, start: 16, length: 16, littleEndian: true, signed: true}
)
