package bytecode

import (
	"bytes"
	"testing"

	"github.com/pku-minic/minivm/pkg/symbol"
)

func sealedImageFixture(t *testing.T) *Container {
	t.Helper()
	c := newTestContainer()
	c.EnterFunction(0)
	c.EmitLabel(MainLabel)
	c.SetLine(1)
	c.EmitVar("x")
	c.SetLine(2)
	c.EmitLoadImm(0x01020304)
	c.EmitStoreVar("x")
	c.SetLine(3)
	c.EmitCall("f_putint")
	c.EmitOp(OpRet)
	c.ExitFunction()
	if err := c.Seal(); err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	return c
}

func TestImageRequiresSealedContainer(t *testing.T) {
	c := newTestContainer()
	if _, err := c.Image(); err == nil {
		t.Error("Image() succeeded on an unsealed container")
	}
}

func TestImageRoundTrip(t *testing.T) {
	c := sealedImageFixture(t)

	var buf bytes.Buffer
	if err := c.DumpBytecode(&buf); err != nil {
		t.Fatalf("DumpBytecode() failed: %v", err)
	}

	loaded, err := LoadImage(buf.Bytes(), symbol.NewPool())
	if err != nil {
		t.Fatalf("LoadImage() failed: %v", err)
	}

	if loaded.Len() != c.Len() {
		t.Fatalf("loaded %d instructions, want %d", loaded.Len(), c.Len())
	}
	for pc := VMAddr(0); int(pc) < c.Len(); pc++ {
		want, _ := c.InstAt(pc)
		got, _ := loaded.InstAt(pc)
		if got != want {
			t.Errorf("instruction %d = %#x, want %#x", pc, uint32(got), uint32(want))
		}
	}
	if loaded.EntryPC() != c.EntryPC() {
		t.Errorf("entry PC = %d, want %d", loaded.EntryPC(), c.EntryPC())
	}

	// Debug queries survive the round trip.
	wantPC, _ := c.FindPCByLabel(MainLabel)
	if pc, ok := loaded.FindPCByLabel(MainLabel); !ok || pc != wantPC {
		t.Errorf("FindPCByLabel(f_main) = %d, %v; want %d", pc, ok, wantPC)
	}
	pc2, _ := c.FindPCByLine(2)
	if pc, ok := loaded.FindPCByLine(2); !ok || pc != pc2 {
		t.Errorf("FindPCByLine(2) = %d, %v; want %d", pc, ok, pc2)
	}
	if line, ok := loaded.FindLine(pc2); !ok || line != 2 {
		t.Errorf("FindLine(%d) = %d, %v", pc2, line, ok)
	}

	// Symbol operands keep their IDs.
	if text, _ := loaded.DisassembleInstruction(1); text != "Var\tx" {
		t.Errorf("loaded instruction 1 = %q, want Var\\tx", text)
	}
}

func TestImageIsCanonical(t *testing.T) {
	var a, b bytes.Buffer
	if err := sealedImageFixture(t).DumpBytecode(&a); err != nil {
		t.Fatal(err)
	}
	if err := sealedImageFixture(t).DumpBytecode(&b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("identical containers produced different images")
	}
}

func TestImageExcludesBreakpointOverlays(t *testing.T) {
	c := sealedImageFixture(t)
	c.ToggleBreakpoint(1, true)

	var buf bytes.Buffer
	if err := c.DumpBytecode(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadImage(buf.Bytes(), symbol.NewPool())
	if err != nil {
		t.Fatal(err)
	}
	got, _ := loaded.InstAt(1)
	if got.Op() == OpBreak {
		t.Error("breakpoint overlay leaked into the image")
	}
}

func TestLoadImageRejectsGarbage(t *testing.T) {
	if _, err := LoadImage([]byte("not cbor"), symbol.NewPool()); err == nil {
		t.Error("LoadImage accepted garbage")
	}

	img := Image{Magic: "XXXX", Version: ImageVersion}
	data, _ := cborEncMode.Marshal(img)
	if _, err := LoadImage(data, symbol.NewPool()); err == nil {
		t.Error("LoadImage accepted a bad magic")
	}

	img = Image{Magic: ImageMagic, Version: ImageVersion + 1}
	data, _ = cborEncMode.Marshal(img)
	if _, err := LoadImage(data, symbol.NewPool()); err == nil {
		t.Error("LoadImage accepted a newer version")
	}
}
