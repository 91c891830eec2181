package device_test

import (
	"testing"

	"github.com/trol73/tboot-go/internal/device"
)

func TestRegistrySelect(t *testing.T) {
	r := device.NewRegistry()
	r.Add(device.Descriptor{ID: "m328p", Desc: "ATmega328P", ROMSize: 32768, PageSize: 128, EEPROMSize: 1024})

	got, err := r.Select("m328p")
	if err != nil {
		t.Fatal(err)
	}
	if got.ROMSize != 32768 || got.PageSize != 128 || got.EEPROMSize != 1024 {
		t.Fatalf("descriptor = %+v", got)
	}
}

func TestRegistrySelectUnknownID(t *testing.T) {
	r := device.NewRegistry()
	if _, err := r.Select("nope"); err == nil {
		t.Fatal("expected an error for an unregistered id")
	}
}

func TestRegistryAddOverwritesAndPreservesOrder(t *testing.T) {
	r := device.NewRegistry()
	r.Add(device.Descriptor{ID: "a", ROMSize: 1})
	r.Add(device.Descriptor{ID: "b", ROMSize: 2})
	r.Add(device.Descriptor{ID: "a", ROMSize: 99})

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs = %v, want [a b] with original insertion order", ids)
	}
	got, err := r.Select("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.ROMSize != 99 {
		t.Fatalf("ROMSize = %d, want 99 (overwritten)", got.ROMSize)
	}
}
