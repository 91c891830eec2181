// Package orchestrator drives the page-level read, write, and verify loops
// against a protocol.Session and an image.Image, including the "smart"
// differential write that skips pages whose content is already correct.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/trol73/tboot-go/internal/image"
	"github.com/trol73/tboot-go/internal/protocol"
)

// Progress is called as each loop advances. percent is 0..100; phase
// identifies which loop is reporting.
type Progress func(phase string, percent int, elapsedSeconds float64)

const (
	PhaseRead   = "read"
	PhaseWrite  = "write"
	PhaseVerify = "verify"
)

// Orchestrator drives the page loops for one open session against one
// device geometry.
type Orchestrator struct {
	Sess     *protocol.Session
	PageSize int
	OnProgress Progress
}

func New(sess *protocol.Session, pageSize int, onProgress Progress) *Orchestrator {
	if onProgress == nil {
		onProgress = func(string, int, float64) {}
	}
	return &Orchestrator{Sess: sess, PageSize: pageSize, OnProgress: onProgress}
}

// maxReadBlockSize mirrors protocol.Session's own limit; it is recomputed
// here because the orchestrator chunks reads independently of any single
// CommandR call.
func (o *Orchestrator) maxReadBlockSize() int {
	if o.Sess.Flags&protocol.CapFastRead != 0 {
		return 0x1000
	}
	return 0xFF
}

// ReadBlock reads exactly size bytes starting at offset and returns them.
func (o *Orchestrator) ReadBlock(offset int, size int) ([]byte, error) {
	if size > o.maxReadBlockSize() {
		return nil, fmt.Errorf("orchestrator: read block size %d exceeds max %d", size, o.maxReadBlockSize())
	}
	if err := o.Sess.CommandZ(uint16(offset)); err != nil {
		return nil, fmt.Errorf("orchestrator: read block @%#x: %w", offset, err)
	}
	data, err := o.Sess.CommandR(size)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read block @%#x: %w", offset, err)
	}
	return data, nil
}

// ReadAll reads size bytes of device memory starting at address 0, in
// chunks no larger than the session's negotiated max read block. ctx is
// checked between blocks, never mid-command.
func (o *Orchestrator) ReadAll(ctx context.Context, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("orchestrator: read all: invalid size %d", size)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	maxBlock := o.maxReadBlockSize()
	offset := 0
	remaining := size
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("orchestrator: read all: %w", err)
		}
		o.OnProgress(PhaseRead, 100*offset/size, 0)
		blockSize := remaining
		if blockSize > maxBlock {
			blockSize = maxBlock
		}
		data, err := o.ReadBlock(offset, blockSize)
		if err != nil {
			return nil, err
		}
		copy(out[offset:], data)
		offset += blockSize
		remaining -= blockSize
	}
	o.OnProgress(PhaseRead, 100, 0)
	return out, nil
}

// erasePage sets Z to offset and issues the erase SPM command. Under
// WriteDisabled it only sets Z; FastWrite only elides the later Z-reset and
// commit steps in WritePage, never the erase itself.
func (o *Orchestrator) erasePage(offset int) error {
	if err := o.Sess.CommandZ(uint16(offset)); err != nil {
		return fmt.Errorf("orchestrator: erase page @%#x: set Z: %w", offset, err)
	}
	if o.Sess.WriteDisabled {
		return nil
	}
	if err := o.Sess.CommandP(protocol.SPMErase); err != nil {
		return fmt.Errorf("orchestrator: erase page @%#x: %w", offset, err)
	}
	return nil
}

// WritePage erases, loads, and commits one page-sized buffer at offset.
func (o *Orchestrator) WritePage(offset int, data []byte) error {
	if len(data) != o.PageSize {
		return fmt.Errorf("orchestrator: write page @%#x: size %d != page size %d", offset, len(data), o.PageSize)
	}
	if err := o.erasePage(offset); err != nil {
		return err
	}
	if err := o.Sess.CommandW(data); err != nil {
		return fmt.Errorf("orchestrator: write page @%#x: %w", offset, err)
	}
	if o.Sess.Flags&protocol.CapFastWrite == 0 {
		if err := o.Sess.CommandZ(uint16(offset)); err != nil {
			return fmt.Errorf("orchestrator: write page @%#x: reset Z: %w", offset, err)
		}
		if !o.Sess.WriteDisabled {
			if err := o.Sess.CommandP(protocol.SPMWrite); err != nil {
				return fmt.Errorf("orchestrator: write page @%#x: commit: %w", offset, err)
			}
		}
	}
	return nil
}

// WriteAll writes img's defined bytes over [0, size) in page-sized chunks.
// When smart is true, it first reads every page that will be touched and
// skips any page whose device content already matches the image, per byte
// where the image has a defined value. ctx is checked between pages.
func (o *Orchestrator) WriteAll(ctx context.Context, img *image.Image, size int, smart bool) (pagesWritten int, err error) {
	pageSize := o.PageSize
	pagesCount := size / pageSize
	if size%pageSize > 0 {
		pagesCount++
	}
	if pagesCount == 0 {
		return 0, nil
	}

	var readBack []byte
	if smart {
		readBack, err = o.ReadAll(ctx, pagesCount*pageSize)
		if err != nil {
			return 0, fmt.Errorf("orchestrator: write all: pre-read for smart mode: %w", err)
		}
	}

	offset := 0
	for page := 0; page < pagesCount; page++ {
		if err := ctx.Err(); err != nil {
			return pagesWritten, fmt.Errorf("orchestrator: write all: %w", err)
		}
		o.OnProgress(PhaseWrite, 100*page/pagesCount, 0)

		writePage := false
		needReading := false
		for i := 0; i < pageSize; i++ {
			addr := offset + i
			if addr >= size {
				needReading = true
				continue
			}
			v, defined := img.Get(addr)
			if !defined {
				needReading = true
				continue
			}
			if smart && v == readBack[addr] {
				continue
			}
			writePage = true
		}

		if writePage {
			pagesWritten++
			pageData := make([]byte, pageSize)
			if needReading {
				if smart {
					copy(pageData, readBack[offset:offset+pageSize])
				} else {
					data, err := o.ReadBlock(offset, pageSize)
					if err != nil {
						return pagesWritten, fmt.Errorf("orchestrator: write all: read page @%#x before partial write: %w", offset, err)
					}
					copy(pageData, data)
				}
			}
			for i := 0; i < pageSize; i++ {
				addr := offset + i
				if addr < size {
					if v, defined := img.Get(addr); defined {
						pageData[i] = v
					}
				}
			}
			if err := o.WritePage(offset, pageData); err != nil {
				return pagesWritten, err
			}
		}

		offset += pageSize
	}

	o.OnProgress(PhaseWrite, 100, 0)
	return pagesWritten, nil
}

// Mismatch is one address where the device's content disagrees with the
// image's defined value.
type Mismatch struct {
	Addr int
	Chip byte
	File byte
}

// Verify re-reads [0, size) and compares it against img's defined bytes.
// Unlike the command engine, it does not stop at the first disagreement:
// every mismatched address is collected so the full diff is visible.
func (o *Orchestrator) Verify(ctx context.Context, img *image.Image, size int) ([]Mismatch, error) {
	readBack, err := o.ReadAll(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: verify: %w", err)
	}
	var mismatches []Mismatch
	for addr := 0; addr < size; addr++ {
		o.OnProgress(PhaseVerify, 100*addr/max1(size), 0)
		v, defined := img.Get(addr)
		if !defined {
			continue
		}
		if readBack[addr] != v {
			mismatches = append(mismatches, Mismatch{Addr: addr, Chip: readBack[addr], File: v})
		}
	}
	o.OnProgress(PhaseVerify, 100, 0)
	return mismatches, nil
}

// Jump sets Z to offset and invokes the bootloader's application-jump
// command, handing control to the flashed program.
func (o *Orchestrator) Jump(offset uint16) error {
	if err := o.Sess.CommandJump(offset); err != nil {
		return fmt.Errorf("orchestrator: jump @%#x: %w", offset, err)
	}
	return nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
