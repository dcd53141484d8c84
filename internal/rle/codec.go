// Package rle implements the COCO compressed run-length mask encoding.
//
// Masks are scanned in column-major order. Runs alternate between background
// and foreground and always start with a (possibly empty) background run.
// Counts are serialized with the COCO delta scheme: six bits per character,
// five payload bits plus a continuation bit, offset by 48, where each count
// after the second is stored as the difference to the count two positions
// earlier.
package rle

import (
	"errors"
	"fmt"

	"github.com/partonomy/annotator/internal/annotation"
)

// ErrInvalidCounts is returned when a counts string cannot be decoded.
var ErrInvalidCounts = errors.New("invalid rle counts")

// Mask is a binary mask stored row-major.
type Mask struct {
	Height int
	Width  int
	Data   []bool
}

// NewMask allocates an empty mask.
func NewMask(height, width int) *Mask {
	return &Mask{Height: height, Width: width, Data: make([]bool, height*width)}
}

// At reports whether the pixel at (x, y) is set.
func (m *Mask) At(x, y int) bool {
	return m.Data[y*m.Width+x]
}

// Set sets the pixel at (x, y).
func (m *Mask) Set(x, y int, v bool) {
	m.Data[y*m.Width+x] = v
}

// Area returns the number of set pixels.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Runs returns the uncompressed run lengths of the mask in column-major order.
func (m *Mask) Runs() []int64 {
	var (
		counts []int64
		cur    bool
		run    int64
	)
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			v := m.At(x, y)
			if v != cur {
				counts = append(counts, run)
				run = 0
				cur = v
			}
			run++
		}
	}
	counts = append(counts, run)
	return counts
}

// Encode compresses a mask into an RLE annotation.
func Encode(m *Mask) annotation.RLE {
	return annotation.RLE{
		Counts: EncodeCounts(m.Runs()),
		Size:   [2]int{m.Height, m.Width},
	}
}

// Decode expands an RLE annotation into a mask.
func Decode(r annotation.RLE) (*Mask, error) {
	h, w := r.Size[0], r.Size[1]
	if h < 0 || w < 0 {
		return nil, fmt.Errorf("%w: negative size %v", ErrInvalidCounts, r.Size)
	}

	counts, err := DecodeCounts(r.Counts)
	if err != nil {
		return nil, err
	}

	m := NewMask(h, w)
	total := int64(h) * int64(w)
	var pos int64
	v := false
	for _, c := range counts {
		if c < 0 || pos+c > total {
			return nil, fmt.Errorf("%w: runs exceed mask size %dx%d", ErrInvalidCounts, h, w)
		}
		if v {
			for i := pos; i < pos+c; i++ {
				// column-major index to row-major storage
				x, y := int(i)/h, int(i)%h
				m.Set(x, y, true)
			}
		}
		pos += c
		v = !v
	}
	if pos != total {
		return nil, fmt.Errorf("%w: runs cover %d of %d pixels", ErrInvalidCounts, pos, total)
	}
	return m, nil
}

// Area returns the foreground pixel count of an RLE without decoding the mask.
func Area(r annotation.RLE) (int64, error) {
	counts, err := DecodeCounts(r.Counts)
	if err != nil {
		return 0, err
	}
	var area int64
	for i := 1; i < len(counts); i += 2 {
		area += counts[i]
	}
	return area, nil
}

// EncodeCounts serializes run lengths into a COCO counts string.
func EncodeCounts(counts []int64) string {
	buf := make([]byte, 0, len(counts)*2)
	for i, c := range counts {
		x := c
		if i > 2 {
			x -= counts[i-2]
		}
		more := true
		for more {
			b := byte(x & 0x1f)
			x >>= 5
			if b&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				b |= 0x20
			}
			buf = append(buf, b+48)
		}
	}
	return string(buf)
}

// DecodeCounts parses a COCO counts string into run lengths.
func DecodeCounts(s string) ([]int64, error) {
	var counts []int64
	p := 0
	for p < len(s) {
		var x int64
		k := 0
		more := true
		for more {
			if p >= len(s) {
				return nil, fmt.Errorf("%w: truncated at offset %d", ErrInvalidCounts, p)
			}
			if s[p] < 48 {
				return nil, fmt.Errorf("%w: unexpected byte %q at offset %d", ErrInvalidCounts, s[p], p)
			}
			c := int64(s[p] - 48)
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if len(counts) > 2 {
			x += counts[len(counts)-2]
		}
		counts = append(counts, x)
	}
	return counts, nil
}
