// Package image implements the sparse firmware image model: a fixed
// capacity byte buffer where every cell is either defined or undefined.
package image

import "fmt"

// Image is a sparse byte buffer addressed 0..Cap()-1. Undefined cells hold
// no value; writing a defined byte can only grow Size, never shrink it.
type Image struct {
	data    []byte
	defined []bool
	cap     int
	size    int
	count   int
}

// New creates an empty image with the given address capacity.
func New(capacity int) *Image {
	return &Image{
		data:    make([]byte, capacity),
		defined: make([]bool, capacity),
		cap:     capacity,
	}
}

// Cap returns the image's fixed addressable capacity.
func (img *Image) Cap() int { return img.cap }

// Size returns one past the highest address ever written, or zero if the
// image is empty.
func (img *Image) Size() int { return img.size }

// DefinedCount returns the number of cells currently holding a defined
// value.
func (img *Image) DefinedCount() int { return img.count }

// SetByte writes a defined value at address. An address outside the
// capacity returns an error, mirroring a fixed ROM address space.
func (img *Image) SetByte(address int, value byte) error {
	if address < 0 || address >= img.cap {
		return fmt.Errorf("image: address %#x out of capacity %#x", address, img.cap)
	}
	if !img.defined[address] {
		img.defined[address] = true
		img.count++
	}
	img.data[address] = value
	if address+1 > img.size {
		img.size = address + 1
	}
	return nil
}

// Clear marks address as undefined without changing Size. A no-op if the
// cell was already undefined.
func (img *Image) Clear(address int) error {
	if address < 0 || address >= img.cap {
		return fmt.Errorf("image: address %#x out of capacity %#x", address, img.cap)
	}
	if img.defined[address] {
		img.defined[address] = false
		img.count--
	}
	return nil
}

// Get returns the byte at address and whether it is defined.
func (img *Image) Get(address int) (value byte, defined bool) {
	if address < 0 || address >= img.cap {
		return 0, false
	}
	return img.data[address], img.defined[address]
}

// Defined reports whether address holds a defined value.
func (img *Image) Defined(address int) bool {
	if address < 0 || address >= img.cap {
		return false
	}
	return img.defined[address]
}

// Densify materializes [start, start+length) as a dense byte slice, filling
// undefined cells with fill.
func (img *Image) Densify(start, length int, fill byte) []byte {
	out := make([]byte, length)
	for i := range out {
		addr := start + i
		if addr < img.cap && img.defined[addr] {
			out[i] = img.data[addr]
		} else {
			out[i] = fill
		}
	}
	return out
}
