// Package grib1 decodes GRIB edition 1 messages holding regular
// latitude/longitude fields with simple grid point packing, the layout of the
// GLDAS Noah v1 archive.
package grib1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

var (
	// ErrUnsupported is returned for valid GRIB messages using features
	// this package does not decode.
	ErrUnsupported = errors.New("grib1: unsupported message")
	// ErrCorrupt is returned for malformed messages.
	ErrCorrupt = errors.New("grib1: corrupt message")
)

// Scanning mode flags of the grid description section.
const (
	ScanNegativeI   = 0x80 // points run east to west
	ScanPositiveJ   = 0x40 // points run south to north
	ScanConsecutive = 0x20 // adjacent points are consecutive in j
)

// Grid describes a regular latitude/longitude grid. Coordinates are in
// degrees.
type Grid struct {
	Ni, Nj   int
	La1, Lo1 float64
	La2, Lo2 float64
	Di, Dj   float64
	ScanMode byte
}

// Message is one decoded GRIB1 message.
type Message struct {
	TableVersion int
	Centre       int
	Process      int
	GridID       int
	Parameter    int
	LevelType    int
	Level        int
	Reference    time.Time
	TimeUnit     int
	P1, P2       int
	TimeRange    int
	DecimalScale int
	Grid         Grid

	bitmap     []byte
	refValue   float64
	binScale   int
	bits       int
	packed     []byte
	unusedBits int
}

// Scanner reads GRIB1 messages from a stream one at a time. Bytes between
// messages are skipped.
type Scanner struct {
	r   *bufio.Reader
	msg *Message
	err error
}

// NewScanner creates a new GRIB1 message scanner.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Scan decodes the next message. It returns false at the end of the input or
// on the first error, which is then reported by Err.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	s.msg = nil
	found, err := s.seek()
	if err != nil {
		s.err = err
		return false
	}
	if !found {
		return false
	}
	var is [4]byte
	if _, err := io.ReadFull(s.r, is[:]); err != nil {
		s.err = fmt.Errorf("%w: truncated indicator section", ErrCorrupt)
		return false
	}
	if is[3] != 1 {
		s.err = fmt.Errorf("%w: edition %d", ErrUnsupported, is[3])
		return false
	}
	total := int(uint24(is[:3]))
	if total < 8+28+11+4 {
		s.err = fmt.Errorf("%w: message length %d", ErrCorrupt, total)
		return false
	}
	body := make([]byte, total-8)
	if _, err := io.ReadFull(s.r, body); err != nil {
		s.err = fmt.Errorf("%w: truncated message of %d bytes", ErrCorrupt, total)
		return false
	}
	msg, err := parse(body)
	if err != nil {
		s.err = err
		return false
	}
	s.msg = msg
	return true
}

// seek advances the reader past the next "GRIB" marker.
func (s *Scanner) seek() (bool, error) {
	const magic = "GRIB"
	matched := 0
	for matched < len(magic) {
		b, err := s.r.ReadByte()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch {
		case b == magic[matched]:
			matched++
		case b == magic[0]:
			matched = 1
		default:
			matched = 0
		}
	}
	return true, nil
}

// Message returns the message decoded by the last call to Scan.
func (s *Scanner) Message() *Message {
	return s.msg
}

// Err returns the first error encountered by Scan.
func (s *Scanner) Err() error {
	return s.err
}

// parse decodes the sections following the indicator section. body holds
// the rest of the message including the end marker.
func parse(body []byte) (*Message, error) {
	if !bytes.HasSuffix(body, []byte("7777")) {
		return nil, fmt.Errorf("%w: missing end section", ErrCorrupt)
	}
	body = body[:len(body)-4]

	pds, body, err := section(body, "product definition")
	if err != nil {
		return nil, err
	}
	if len(pds) < 28 {
		return nil, fmt.Errorf("%w: product definition section of %d bytes", ErrCorrupt, len(pds))
	}
	m := &Message{
		TableVersion: int(pds[3]),
		Centre:       int(pds[4]),
		Process:      int(pds[5]),
		GridID:       int(pds[6]),
		Parameter:    int(pds[8]),
		LevelType:    int(pds[9]),
		Level:        int(pds[10])<<8 | int(pds[11]),
		TimeUnit:     int(pds[17]),
		P1:           int(pds[18]),
		P2:           int(pds[19]),
		TimeRange:    int(pds[20]),
		DecimalScale: signed(pds[26:28]),
	}
	year := (int(pds[24])-1)*100 + int(pds[12])
	m.Reference = time.Date(year, time.Month(pds[13]), int(pds[14]), int(pds[15]), int(pds[16]), 0, 0, time.UTC)
	hasGDS := pds[7]&0x80 != 0
	hasBMS := pds[7]&0x40 != 0

	if !hasGDS {
		return nil, fmt.Errorf("%w: parameter %d has no grid description", ErrUnsupported, m.Parameter)
	}
	gds, body, err := section(body, "grid description")
	if err != nil {
		return nil, err
	}
	if err := m.parseGrid(gds); err != nil {
		return nil, err
	}

	if hasBMS {
		bms, rest, err := section(body, "bit map")
		if err != nil {
			return nil, err
		}
		body = rest
		if len(bms) < 6 {
			return nil, fmt.Errorf("%w: bit map section of %d bytes", ErrCorrupt, len(bms))
		}
		if ref := int(bms[4])<<8 | int(bms[5]); ref != 0 {
			return nil, fmt.Errorf("%w: predefined bit map %d", ErrUnsupported, ref)
		}
		m.bitmap = bms[6:]
		if len(m.bitmap)*8 < m.Grid.Ni*m.Grid.Nj {
			return nil, fmt.Errorf("%w: bit map shorter than grid", ErrCorrupt)
		}
	}

	bds, _, err := section(body, "binary data")
	if err != nil {
		return nil, err
	}
	if len(bds) < 11 {
		return nil, fmt.Errorf("%w: binary data section of %d bytes", ErrCorrupt, len(bds))
	}
	if flags := bds[3] & 0xf0; flags&0xd0 != 0 {
		return nil, fmt.Errorf("%w: packing flags %#x", ErrUnsupported, flags)
	}
	m.unusedBits = int(bds[3] & 0x0f)
	m.binScale = signed(bds[4:6])
	m.refValue = ibm(uint32(bds[6])<<24 | uint32(bds[7])<<16 | uint32(bds[8])<<8 | uint32(bds[9]))
	m.bits = int(bds[10])
	m.packed = bds[11:]
	if n := m.packedCount(); m.bits > 0 && len(m.packed)*8-m.unusedBits < n*m.bits {
		return nil, fmt.Errorf("%w: %d packed values do not fit %d bytes", ErrCorrupt, n, len(m.packed))
	}
	return m, nil
}

func (m *Message) parseGrid(gds []byte) error {
	if len(gds) < 28 {
		return fmt.Errorf("%w: grid description section of %d bytes", ErrCorrupt, len(gds))
	}
	if gds[5] != 0 {
		return fmt.Errorf("%w: grid representation %d", ErrUnsupported, gds[5])
	}
	m.Grid = Grid{
		Ni:       int(gds[6])<<8 | int(gds[7]),
		Nj:       int(gds[8])<<8 | int(gds[9]),
		La1:      float64(signed(gds[10:13])) / 1000,
		Lo1:      float64(signed(gds[13:16])) / 1000,
		La2:      float64(signed(gds[17:20])) / 1000,
		Lo2:      float64(signed(gds[20:23])) / 1000,
		Di:       float64(int(gds[23])<<8|int(gds[24])) / 1000,
		Dj:       float64(int(gds[25])<<8|int(gds[26])) / 1000,
		ScanMode: gds[27],
	}
	if m.Grid.Ni == 0 || m.Grid.Nj == 0 || m.Grid.Ni == 0xffff {
		return fmt.Errorf("%w: quasi-regular or empty grid", ErrUnsupported)
	}
	if m.Grid.ScanMode&ScanConsecutive != 0 {
		return fmt.Errorf("%w: scanning mode %#x", ErrUnsupported, m.Grid.ScanMode)
	}
	return nil
}

// section splits the leading section with a 3 byte length prefix off b.
func section(b []byte, name string) (sec, rest []byte, err error) {
	if len(b) < 3 {
		return nil, nil, fmt.Errorf("%w: missing %s section", ErrCorrupt, name)
	}
	n := int(uint24(b))
	if n < 3 || n > len(b) {
		return nil, nil, fmt.Errorf("%w: %s section length %d", ErrCorrupt, name, n)
	}
	return b[:n], b[n:], nil
}

// Len returns the number of grid points.
func (m *Message) Len() int {
	return m.Grid.Ni * m.Grid.Nj
}

func (m *Message) present(k int) bool {
	if m.bitmap == nil {
		return true
	}
	return m.bitmap[k/8]&(0x80>>uint(k%8)) != 0
}

func (m *Message) packedCount() int {
	if m.bitmap == nil {
		return m.Len()
	}
	n := 0
	for k := 0; k < m.Len(); k++ {
		if m.present(k) {
			n++
		}
	}
	return n
}

// Values unpacks the field. Points flagged absent in the bit map are set to
// missing. The result is ordered south to north by rows and west to east
// within a row, regardless of the scanning mode of the message.
func (m *Message) Values(missing float64) []float64 {
	ni, nj := m.Grid.Ni, m.Grid.Nj
	out := make([]float64, ni*nj)
	scale := math.Pow(2, float64(m.binScale))
	dec := math.Pow(10, float64(-m.DecimalScale))
	br := bitReader{buf: m.packed}
	for k := 0; k < ni*nj; k++ {
		v := missing
		if m.present(k) {
			x := br.read(m.bits)
			v = (m.refValue + float64(x)*scale) * dec
		}
		row, col := k/ni, k%ni
		if m.Grid.ScanMode&ScanNegativeI != 0 {
			col = ni - 1 - col
		}
		if m.Grid.ScanMode&ScanPositiveJ == 0 {
			row = nj - 1 - row
		}
		out[row*ni+col] = v
	}
	return out
}

type bitReader struct {
	buf []byte
	pos int
}

func (r *bitReader) read(n int) uint64 {
	var x uint64
	for i := 0; i < n; i++ {
		b := r.buf[r.pos/8] >> uint(7-r.pos%8) & 1
		x = x<<1 | uint64(b)
		r.pos++
	}
	return x
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// signed decodes a sign and magnitude integer of len(b) bytes.
func signed(b []byte) int {
	var x int
	for _, c := range b {
		x = x<<8 | int(c)
	}
	sign := 1 << (8*uint(len(b)) - 1)
	if x&sign != 0 {
		return -(x &^ sign)
	}
	return x
}

// ibm converts an IBM System/360 single precision float.
func ibm(u uint32) float64 {
	if u&0x7fffffff == 0 {
		return 0
	}
	mant := float64(u&0x00ffffff) / (1 << 24)
	exp := int(u>>24&0x7f) - 64
	v := mant * math.Pow(16, float64(exp))
	if u&0x80000000 != 0 {
		return -v
	}
	return v
}
