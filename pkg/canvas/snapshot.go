package canvas

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Snapshot layout (big-endian):
//
//	magic "OCCV" | version u8 | width u8 | height u8 | fg u8 | bg u8
//	runs: count u16 | fg u8 | bg u8 | rune u32
//
// Runs cover the grid row-major and must add up to width*height exactly.
const (
	snapshotVersion = 1
	headerSize      = 9
	runSize         = 8
	maxRun          = 0xFFFF
)

var snapshotMagic = [4]byte{'O', 'C', 'C', 'V'}

var (
	ErrBadSnapshot         = errors.New("malformed canvas snapshot")
	ErrUnsupportedSnapshot = errors.New("unsupported canvas snapshot version")
)

// MarshalBinary encodes the canvas as a run-length snapshot
func (c *Canvas) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+runSize*16)
	copy(buf, snapshotMagic[:])
	buf[4] = snapshotVersion
	buf[5] = uint8(c.width)
	buf[6] = uint8(c.height)
	buf[7] = c.fg
	buf[8] = c.bg

	for i := 0; i < len(c.cells); {
		cell := c.cells[i]
		n := 1
		for i+n < len(c.cells) && n < maxRun && c.cells[i+n] == cell {
			n++
		}

		r := cell.Rune
		if !utf8.ValidRune(r) {
			r = utf8.RuneError
		}

		var run [runSize]byte
		binary.BigEndian.PutUint16(run[0:], uint16(n))
		run[2] = cell.FG
		run[3] = cell.BG
		binary.BigEndian.PutUint32(run[4:], uint32(r))
		buf = append(buf, run[:]...)
		i += n
	}

	return buf, nil
}

// UnmarshalBinary replaces the canvas with a decoded snapshot. On error the
// canvas is left unchanged.
func (c *Canvas) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize || [4]byte(data[:4]) != snapshotMagic {
		return ErrBadSnapshot
	}
	if data[4] != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, data[4])
	}

	width, height := int(data[5]), int(data[6])
	if err := checkSize(width, height); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}

	body := data[headerSize:]
	if len(body)%runSize != 0 {
		return fmt.Errorf("%w: truncated run", ErrBadSnapshot)
	}

	cells := make([]Cell, 0, width*height)
	for ; len(body) > 0; body = body[runSize:] {
		n := int(binary.BigEndian.Uint16(body[0:]))
		r := rune(binary.BigEndian.Uint32(body[4:]))
		if n == 0 || !utf8.ValidRune(r) {
			return fmt.Errorf("%w: bad run", ErrBadSnapshot)
		}
		if len(cells)+n > width*height {
			return fmt.Errorf("%w: runs exceed %dx%d", ErrBadSnapshot, width, height)
		}

		cell := Cell{Rune: r, FG: body[2], BG: body[3]}
		for k := 0; k < n; k++ {
			cells = append(cells, cell)
		}
	}
	if len(cells) != width*height {
		return fmt.Errorf("%w: runs cover %d of %d cells", ErrBadSnapshot, len(cells), width*height)
	}

	c.width, c.height, c.cells = width, height, cells
	c.fg, c.bg = data[7], data[8]
	return nil
}

// FromSnapshot decodes a snapshot into a new canvas
func FromSnapshot(data []byte) (*Canvas, error) {
	c := &Canvas{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return c, nil
}
