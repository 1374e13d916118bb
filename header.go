package litedelta

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/superfly/litedelta/internal"
)

// Header page constants.
const (
	HeaderMagic   = "litedelta\x00"
	HeaderVersion = 1

	// Size of the fixed portion of the header, before the clumplet area.
	HeaderFixedSize = 44
)

// Clumplet tags stored in the header page.
const (
	ClumpletTagEnd       = 0
	ClumpletTagDeltaPath = 1
)

// Clumplet is a tagged variable-length value in the header page.
type Clumplet struct {
	Tag   uint8
	Value []byte
}

// Header represents the contents of page 0 of a primary file.
type Header struct {
	PageSize  uint32
	PageCount uint32 // pages in the file when the current backup began
	State     BackupState
	SCN       uint32
	SessionID uuid.UUID

	// Clumplets not understood by this package are preserved as-is.
	DeltaPath string
	Clumplets []Clumplet
}

// Validate returns an error if the header has an invalid field.
func (h *Header) Validate() error {
	if err := ValidatePageSize(h.PageSize); err != nil {
		return err
	} else if h.State > BackupStateMerge {
		return fmt.Errorf("invalid persisted backup state: %s", h.State)
	}
	return nil
}

// MarshalBinary encodes h into a full page.
func (h *Header) MarshalBinary() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, h.PageSize)
	copy(buf[0:10], HeaderMagic)
	binary.BigEndian.PutUint16(buf[10:12], HeaderVersion)
	binary.BigEndian.PutUint32(buf[12:16], h.PageSize)
	binary.BigEndian.PutUint32(buf[16:20], h.PageCount)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.State)&0x3)
	binary.BigEndian.PutUint32(buf[24:28], h.SCN)
	copy(buf[28:44], h.SessionID[:])

	clumplets := h.Clumplets
	if h.DeltaPath != "" {
		clumplets = append([]Clumplet{{Tag: ClumpletTagDeltaPath, Value: []byte(h.DeltaPath)}}, clumplets...)
	}

	off := HeaderFixedSize
	for _, c := range clumplets {
		assert(c.Tag != ClumpletTagEnd, "clumplet cannot use end tag")
		if len(c.Value) > 0xFFFF {
			return nil, fmt.Errorf("clumplet too large: tag=%d size=%d", c.Tag, len(c.Value))
		} else if off+3+len(c.Value)+1 > len(buf) {
			return nil, fmt.Errorf("header clumplets exceed page size")
		}
		buf[off] = c.Tag
		binary.BigEndian.PutUint16(buf[off+1:], uint16(len(c.Value)))
		copy(buf[off+3:], c.Value)
		off += 3 + len(c.Value)
	}
	buf[off] = ClumpletTagEnd

	return buf, nil
}

// UnmarshalBinary decodes a full header page into h.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderFixedSize+1 {
		return fmt.Errorf("%w: short page", ErrInvalidHeader)
	} else if string(data[0:10]) != HeaderMagic {
		return fmt.Errorf("%w: magic mismatch", ErrInvalidHeader)
	} else if v := binary.BigEndian.Uint16(data[10:12]); v != HeaderVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, v)
	}

	*h = Header{
		PageSize:  binary.BigEndian.Uint32(data[12:16]),
		PageCount: binary.BigEndian.Uint32(data[16:20]),
		State:     BackupState(binary.BigEndian.Uint32(data[20:24]) & 0x3),
		SCN:       binary.BigEndian.Uint32(data[24:28]),
	}
	copy(h.SessionID[:], data[28:44])

	if err := ValidatePageSize(h.PageSize); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	} else if int(h.PageSize) != len(data) {
		return fmt.Errorf("%w: page size mismatch", ErrInvalidHeader)
	}

	for off := HeaderFixedSize; ; {
		if off >= len(data) {
			return fmt.Errorf("%w: unterminated clumplet area", ErrInvalidHeader)
		}
		tag := data[off]
		if tag == ClumpletTagEnd {
			break
		} else if off+3 > len(data) {
			return fmt.Errorf("%w: truncated clumplet", ErrInvalidHeader)
		}
		n := int(binary.BigEndian.Uint16(data[off+1:]))
		if off+3+n > len(data) {
			return fmt.Errorf("%w: truncated clumplet", ErrInvalidHeader)
		}
		value := data[off+3 : off+3+n]
		off += 3 + n

		switch tag {
		case ClumpletTagDeltaPath:
			h.DeltaPath = string(value)
		default:
			h.Clumplets = append(h.Clumplets, Clumplet{Tag: tag, Value: append([]byte(nil), value...)})
		}
	}
	return nil
}

// ReadHeader reads and decodes the header page from the start of r.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	prefix := make([]byte, 16)
	if _, err := internal.ReadFullAt(r, prefix, 0); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: short file", ErrInvalidHeader)
	} else if err != nil {
		return nil, err
	} else if string(prefix[0:10]) != HeaderMagic {
		return nil, fmt.Errorf("%w: magic mismatch", ErrInvalidHeader)
	}

	pageSize := binary.BigEndian.Uint32(prefix[12:16])
	if err := ValidatePageSize(pageSize); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}

	buf := make([]byte, pageSize)
	if _, err := internal.ReadFullAt(r, buf, 0); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: short file", ErrInvalidHeader)
	} else if err != nil {
		return nil, err
	}

	var hdr Header
	if err := hdr.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// WriteHeader encodes hdr and writes it as page 0 of w.
func WriteHeader(w io.WriterAt, hdr *Header) error {
	buf, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.WriteAt(buf, 0)
	return err
}
