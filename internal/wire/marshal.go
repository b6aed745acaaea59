package wire

import "encoding/binary"

// MarshalError is a typed string error for codec failures
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)

// Marshal converts a wire struct to its little-endian representation
func Marshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *Command:
		return MarshalCommand(val), nil
	case *Completion:
		return MarshalCompletion(val), nil
	case *DsmRange:
		return MarshalDsmRange(val), nil
	case *IdentifyController:
		return MarshalIdentifyController(val), nil
	case *IdentifyNamespace:
		return MarshalIdentifyNamespace(val), nil
	default:
		return nil, ErrInvalidType
	}
}

// Unmarshal converts little-endian bytes back to a wire struct
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *Command:
		return UnmarshalCommand(data, val)
	case *Completion:
		return UnmarshalCompletion(data, val)
	case *DsmRange:
		return UnmarshalDsmRange(data, val)
	case *IdentifyController:
		return UnmarshalIdentifyController(data, val)
	case *IdentifyNamespace:
		return UnmarshalIdentifyNamespace(data, val)
	default:
		return ErrInvalidType
	}
}

// MarshalCommand manually marshals a submission queue entry (64 bytes)
func MarshalCommand(cmd *Command) []byte {
	buf := make([]byte, SQE_SIZE)

	binary.LittleEndian.PutUint32(buf[0:4], cmd.CDW0)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], cmd.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], cmd.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], cmd.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], cmd.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], cmd.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], cmd.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], cmd.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], cmd.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], cmd.CDW15)

	return buf
}

// UnmarshalCommand manually unmarshals a submission queue entry
func UnmarshalCommand(data []byte, cmd *Command) error {
	if len(data) < SQE_SIZE {
		return ErrInsufficientData
	}

	cmd.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	cmd.NSID = binary.LittleEndian.Uint32(data[4:8])
	cmd.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	cmd.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	cmd.MPTR = binary.LittleEndian.Uint64(data[16:24])
	cmd.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	cmd.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	cmd.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	cmd.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	cmd.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	cmd.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	cmd.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	cmd.CDW15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// MarshalCompletion manually marshals a completion queue entry (16 bytes)
func MarshalCompletion(cqe *Completion) []byte {
	buf := make([]byte, CQE_SIZE)

	binary.LittleEndian.PutUint32(buf[0:4], cqe.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], cqe.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], cqe.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], cqe.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], cqe.CID)
	binary.LittleEndian.PutUint16(buf[14:16], cqe.Status)

	return buf
}

// UnmarshalCompletion manually unmarshals a completion queue entry
func UnmarshalCompletion(data []byte, cqe *Completion) error {
	if len(data) < CQE_SIZE {
		return ErrInsufficientData
	}

	cqe.DW0 = binary.LittleEndian.Uint32(data[0:4])
	cqe.DW1 = binary.LittleEndian.Uint32(data[4:8])
	cqe.SQHead = binary.LittleEndian.Uint16(data[8:10])
	cqe.SQID = binary.LittleEndian.Uint16(data[10:12])
	cqe.CID = binary.LittleEndian.Uint16(data[12:14])
	cqe.Status = binary.LittleEndian.Uint16(data[14:16])

	return nil
}

// MarshalDsmRange manually marshals one Dataset Management range (16 bytes)
func MarshalDsmRange(r *DsmRange) []byte {
	buf := make([]byte, 16)

	binary.LittleEndian.PutUint32(buf[0:4], r.ContextAttributes)
	binary.LittleEndian.PutUint32(buf[4:8], r.LBACount)
	binary.LittleEndian.PutUint64(buf[8:16], r.StartingLBA)

	return buf
}

// UnmarshalDsmRange manually unmarshals one Dataset Management range
func UnmarshalDsmRange(data []byte, r *DsmRange) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}

	r.ContextAttributes = binary.LittleEndian.Uint32(data[0:4])
	r.LBACount = binary.LittleEndian.Uint32(data[4:8])
	r.StartingLBA = binary.LittleEndian.Uint64(data[8:16])

	return nil
}

// MarshalIdentifyController places the populated fields at their offsets in
// a zeroed 4096-byte identify page.
func MarshalIdentifyController(id *IdentifyController) []byte {
	buf := make([]byte, IDENTIFY_SIZE)

	binary.LittleEndian.PutUint16(buf[0:2], id.VID)
	binary.LittleEndian.PutUint16(buf[2:4], id.SSVID)
	copy(buf[4:24], id.SN[:])
	copy(buf[24:64], id.MN[:])
	copy(buf[64:72], id.FR[:])
	buf[77] = id.MDTS
	binary.LittleEndian.PutUint16(buf[78:80], id.CNTLID)
	binary.LittleEndian.PutUint32(buf[80:84], id.VER)
	binary.LittleEndian.PutUint16(buf[256:258], id.OACS)
	buf[258] = id.ACL
	buf[259] = id.AERL
	buf[512] = id.SQES
	buf[513] = id.CQES
	binary.LittleEndian.PutUint32(buf[516:520], id.NN)
	binary.LittleEndian.PutUint16(buf[520:522], id.ONCS)
	buf[525] = id.VWC
	copy(buf[768:1024], id.SUBNQN[:])

	return buf
}

// UnmarshalIdentifyController extracts the populated fields from an identify
// controller page.
func UnmarshalIdentifyController(data []byte, id *IdentifyController) error {
	if len(data) < IDENTIFY_SIZE {
		return ErrInsufficientData
	}

	id.VID = binary.LittleEndian.Uint16(data[0:2])
	id.SSVID = binary.LittleEndian.Uint16(data[2:4])
	copy(id.SN[:], data[4:24])
	copy(id.MN[:], data[24:64])
	copy(id.FR[:], data[64:72])
	id.MDTS = data[77]
	id.CNTLID = binary.LittleEndian.Uint16(data[78:80])
	id.VER = binary.LittleEndian.Uint32(data[80:84])
	id.OACS = binary.LittleEndian.Uint16(data[256:258])
	id.ACL = data[258]
	id.AERL = data[259]
	id.SQES = data[512]
	id.CQES = data[513]
	id.NN = binary.LittleEndian.Uint32(data[516:520])
	id.ONCS = binary.LittleEndian.Uint16(data[520:522])
	id.VWC = data[525]
	copy(id.SUBNQN[:], data[768:1024])

	return nil
}

// MarshalIdentifyNamespace places the populated fields at their offsets in
// a zeroed 4096-byte identify page.
func MarshalIdentifyNamespace(id *IdentifyNamespace) []byte {
	buf := make([]byte, IDENTIFY_SIZE)

	binary.LittleEndian.PutUint64(buf[0:8], id.NSZE)
	binary.LittleEndian.PutUint64(buf[8:16], id.NCAP)
	binary.LittleEndian.PutUint64(buf[16:24], id.NUSE)
	buf[24] = id.NSFEAT
	buf[25] = id.NLBAF
	buf[26] = id.FLBAS
	buf[30] = id.NMIC
	buf[31] = id.RESCAP
	for i, f := range id.LBAF {
		off := 128 + i*4
		binary.LittleEndian.PutUint16(buf[off:off+2], f.MS)
		buf[off+2] = f.LBADS
		buf[off+3] = f.RP & 0x3
	}

	return buf
}

// UnmarshalIdentifyNamespace extracts the populated fields from an identify
// namespace page.
func UnmarshalIdentifyNamespace(data []byte, id *IdentifyNamespace) error {
	if len(data) < IDENTIFY_SIZE {
		return ErrInsufficientData
	}

	id.NSZE = binary.LittleEndian.Uint64(data[0:8])
	id.NCAP = binary.LittleEndian.Uint64(data[8:16])
	id.NUSE = binary.LittleEndian.Uint64(data[16:24])
	id.NSFEAT = data[24]
	id.NLBAF = data[25]
	id.FLBAS = data[26]
	id.NMIC = data[30]
	id.RESCAP = data[31]
	for i := range id.LBAF {
		off := 128 + i*4
		id.LBAF[i].MS = binary.LittleEndian.Uint16(data[off : off+2])
		id.LBAF[i].LBADS = data[off+2]
		id.LBAF[i].RP = data[off+3] & 0x3
	}

	return nil
}
