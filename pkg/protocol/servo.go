package protocol

import (
	"encoding/binary"
	"fmt"
)

// Report flag bits.
const (
	FlagCalibrated  uint8 = 1 << 0
	FlagCalibrating uint8 = 1 << 1
	FlagFault       uint8 = 1 << 7
)

// Payload sizes.
const (
	ServoReportSize = 20 // without the optional joint id
	ServoDemandSize = 6
)

// ServoReport is the periodic state packet sent by a motor controller.
//
//	tick:u16 | hallA:i16 | hallB:i16 | hallC:i16 |
//	currA:i16 | currB:i16 | currC:i16 | angle:i32 | mode:u8 | flags:u8 [| jointId:u8]
//
// Controllers behind a shared bridge board append their joint id. Reports
// without it belong to joint 0.
type ServoReport struct {
	Tick    uint16
	Hall    [3]int16
	Current [3]int16
	Angle   int32
	Mode    uint8
	Flags   uint8
	JointID uint8
}

// Position returns the raw encoder position in counts.
func (r ServoReport) Position() int32 { return r.Angle }

// Torque returns the raw torque-current reading.
func (r ServoReport) Torque() int16 { return r.Current[0] }

// UnmarshalServoReport decodes a ServoReport payload.
func UnmarshalServoReport(p []byte) (ServoReport, error) {
	if len(p) < ServoReportSize {
		return ServoReport{}, fmt.Errorf("%w: ServoReport needs %d bytes, got %d", ErrShortPayload, ServoReportSize, len(p))
	}
	le := binary.LittleEndian
	r := ServoReport{
		Tick:  le.Uint16(p[0:]),
		Angle: int32(le.Uint32(p[14:])),
		Mode:  p[18],
		Flags: p[19],
	}
	for i := 0; i < 3; i++ {
		r.Hall[i] = int16(le.Uint16(p[2+2*i:]))
		r.Current[i] = int16(le.Uint16(p[8+2*i:]))
	}
	if len(p) > ServoReportSize {
		r.JointID = p[ServoReportSize]
	}
	return r, nil
}

// AppendServoReport appends the payload encoding of r to dst. The joint id
// byte is always included.
func AppendServoReport(dst []byte, r ServoReport) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint16(dst, r.Tick)
	for _, h := range r.Hall {
		dst = le.AppendUint16(dst, uint16(h))
	}
	for _, c := range r.Current {
		dst = le.AppendUint16(dst, uint16(c))
	}
	dst = le.AppendUint32(dst, uint32(r.Angle))
	return append(dst, r.Mode, r.Flags, r.JointID)
}

// ServoDemand asks a controller to move to a target position.
//
//	jointId:u8 | targetPos:i16 | torqueLimit:i16 | mode:u8
type ServoDemand struct {
	JointID     uint8
	TargetPos   int16
	TorqueLimit int16
	Mode        uint8
}

// AppendServoDemand appends the payload encoding of d to dst.
func AppendServoDemand(dst []byte, d ServoDemand) []byte {
	le := binary.LittleEndian
	dst = append(dst, d.JointID)
	dst = le.AppendUint16(dst, uint16(d.TargetPos))
	dst = le.AppendUint16(dst, uint16(d.TorqueLimit))
	return append(dst, d.Mode)
}

// UnmarshalServoDemand decodes a ServoDemand payload.
func UnmarshalServoDemand(p []byte) (ServoDemand, error) {
	if len(p) < ServoDemandSize {
		return ServoDemand{}, fmt.Errorf("%w: ServoDemand needs %d bytes, got %d", ErrShortPayload, ServoDemandSize, len(p))
	}
	le := binary.LittleEndian
	return ServoDemand{
		JointID:     p[0],
		TargetPos:   int16(le.Uint16(p[1:])),
		TorqueLimit: int16(le.Uint16(p[3:])),
		Mode:        p[5],
	}, nil
}
