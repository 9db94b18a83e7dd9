package feetech

// Register is an entry in the servo control table
type Register struct {
	Address byte
	Size    int
	// SignBit is the sign bit of a sign-magnitude value, zero for unsigned registers
	SignBit int
}

var (
	RegModelNumber  = Register{Address: 3, Size: 2}
	RegTorqueEnable = Register{Address: 40, Size: 1}
	RegAcceleration = Register{Address: 41, Size: 1}
	RegGoalPosition = Register{Address: 42, Size: 2}
	RegGoalSpeed    = Register{Address: 46, Size: 2, SignBit: 15}

	RegPresentPosition = Register{Address: 56, Size: 2}
	RegPresentSpeed    = Register{Address: 58, Size: 2, SignBit: 15}
	RegPresentLoad     = Register{Address: 60, Size: 2, SignBit: 10}
	RegPresentVoltage  = Register{Address: 62, Size: 1}
	RegPresentTemp     = Register{Address: 63, Size: 1}
	RegServoStatus     = Register{Address: 65, Size: 1}
	RegMoving          = Register{Address: 66, Size: 1}
	RegPresentCurrent  = Register{Address: 69, Size: 2, SignBit: 15}
)

// Encode converts v to the register's wire bytes
func (r Register) Encode(v int) []byte {
	if r.Size == 1 {
		return []byte{byte(v)}
	}
	if r.SignBit > 0 {
		return EncodeWord(EncodeSigned(v, r.SignBit))
	}
	return EncodeWord(uint16(v))
}

// Feedback is the decoded present-state block of one servo
type Feedback struct {
	Position    int
	Speed       int
	Load        int
	Voltage     int
	Temperature int
	Status      int
	Moving      bool
	Current     int
}

// FeedbackStart and FeedbackLength cover present position through present current, so one
// read returns the whole block
const (
	FeedbackStart  = 56
	FeedbackLength = 15
)

// DecodeFeedback decodes a block read from FeedbackStart
func DecodeFeedback(block []byte) (Feedback, bool) {
	if len(block) < FeedbackLength {
		return Feedback{}, false
	}
	at := func(r Register) []byte { return block[r.Address-FeedbackStart:] }
	word := func(r Register) int {
		raw := DecodeWord(at(r))
		if r.SignBit > 0 {
			return DecodeSigned(raw, r.SignBit)
		}
		return int(raw)
	}

	return Feedback{
		Position:    word(RegPresentPosition),
		Speed:       word(RegPresentSpeed),
		Load:        word(RegPresentLoad),
		Voltage:     int(at(RegPresentVoltage)[0]),
		Temperature: int(at(RegPresentTemp)[0]),
		Status:      int(at(RegServoStatus)[0]),
		Moving:      at(RegMoving)[0] != 0,
		Current:     word(RegPresentCurrent),
	}, true
}
