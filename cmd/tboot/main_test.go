package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOperation(t *testing.T) {
	cases := []struct {
		in      string
		want    operation
		wantErr bool
	}{
		{in: "flash:w:firmware.hex", want: operation{target: 'f', op: 'w', file: "firmware.hex"}},
		{in: "flash:v:firmware.hex", want: operation{target: 'f', op: 'v', file: "firmware.hex"}},
		{in: "eeprom:r:out.bin", want: operation{target: 'e', op: 'r', file: "out.bin"}},
		{in: "flash:x:firmware.hex", wantErr: true},
		{in: "rom:w:firmware.hex", wantErr: true},
		{in: "flash:w", wantErr: true},
		{in: "flash:w:", wantErr: true},
	}
	for _, c := range cases {
		got, err := parseOperation(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseOperation(%q): expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOperation(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseOperation(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestReadImageFileRoundTripHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.hex")
	data := []byte{0x01, 0x02, 0x03, 0xAA, 0xBB}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFile(f, path, data); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := readImageFile(path, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range data {
		got, defined := img.Get(i)
		if !defined || got != want {
			t.Fatalf("byte %d = %#x (defined=%v), want %#x", i, got, defined, want)
		}
	}
}

func TestReadImageFileRejectsOversizedBin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(path, make([]byte, 32), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readImageFile(path, 16); err == nil {
		t.Fatal("expected an error for a file larger than capacity")
	}
}
