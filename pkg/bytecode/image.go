package bytecode

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/pku-minic/minivm/pkg/symbol"
)

// ImageMagic identifies a serialized container image.
const ImageMagic = "MVBC"

// ImageVersion is the current image format version. Increment on
// incompatible changes.
const ImageVersion uint16 = 1

// cbor encoding uses canonical mode so identical containers always produce
// identical images.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ImageLine is one entry of the serialized PC-to-line map.
type ImageLine struct {
	PC   uint32 `cbor:"pc"`
	Line uint32 `cbor:"line"`
}

// Image is the serializable form of a sealed container: the resolved code,
// the symbol pool snapshot in ID order, and the debug tables.
type Image struct {
	Magic   string            `cbor:"magic"`
	Version uint16            `cbor:"version"`
	Source  string            `cbor:"source"`
	Entry   uint32            `cbor:"entry"`
	Code    []uint32          `cbor:"code"`
	Symbols []string          `cbor:"symbols"`
	Labels  map[string]uint32 `cbor:"labels"`
	Lines   []ImageLine       `cbor:"lines"`
}

// Image captures the sealed container as a serializable image. It fails on
// an unsealed container: label operands are not resolved before sealing.
func (c *Container) Image() (*Image, error) {
	if !c.sealed {
		return nil, fmt.Errorf("cannot image an unsealed container")
	}
	img := &Image{
		Magic:   ImageMagic,
		Version: ImageVersion,
		Source:  c.srcFile,
		Entry:   c.entryPC,
		Code:    make([]uint32, len(c.insts)),
		Symbols: c.syms.All(),
		Labels:  make(map[string]uint32, len(c.labelDefs)),
		Lines:   make([]ImageLine, len(c.pcDefs)),
	}
	for pc := range c.insts {
		inst, _ := c.InstAt(VMAddr(pc))
		img.Code[pc] = uint32(inst)
	}
	for label, info := range c.labelDefs {
		img.Labels[label] = info.pc
	}
	for i, def := range c.pcDefs {
		img.Lines[i] = ImageLine{PC: def.pc, Line: def.line}
	}
	return img, nil
}

// DumpBytecode writes the sealed container to w as a canonical CBOR image.
func (c *Container) DumpBytecode(w io.Writer) error {
	img, err := c.Image()
	if err != nil {
		return err
	}
	data, err := cborEncMode.Marshal(img)
	if err != nil {
		return fmt.Errorf("encoding bytecode image: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// LoadImage reconstructs a sealed container from a CBOR image. The symbol
// pool is reset and repopulated so that symbol operands keep their IDs.
func LoadImage(data []byte, syms *symbol.Pool) (*Container, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decoding bytecode image: %w", err)
	}
	if img.Magic != ImageMagic {
		return nil, fmt.Errorf("invalid bytecode magic %q", img.Magic)
	}
	if img.Version > ImageVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d",
			img.Version, ImageVersion)
	}

	c := NewContainer(syms, img.Source)
	syms.Reset()
	for i, name := range img.Symbols {
		if id := syms.Intern(name); id != symbol.ID(i) {
			return nil, fmt.Errorf("duplicate symbol %q in image", name)
		}
	}
	c.insts = make([]Inst, len(img.Code))
	for i, raw := range img.Code {
		c.insts[i] = Inst(raw)
	}
	c.entryPC = img.Entry
	c.labelDefs = make(map[string]*backfillInfo, len(img.Labels))
	for label, pc := range img.Labels {
		c.labelDefs[label] = &backfillInfo{defined: true, pc: pc}
	}
	c.pcDefs = make([]pcLine, len(img.Lines))
	c.lineDefs = make(map[uint32]VMAddr, len(img.Lines))
	for i, def := range img.Lines {
		c.pcDefs[i] = pcLine{pc: def.PC, line: def.Line}
		if _, ok := c.lineDefs[def.Line]; !ok {
			c.lineDefs[def.Line] = def.PC
		}
	}
	c.globalInsts = nil
	c.sealed = true
	return c, nil
}
