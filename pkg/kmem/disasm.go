package kmem

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const maxInstructionLength = 15

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = AssemblyFlavour(iota)
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// ParseFlavour converts a flavour name to an AssemblyFlavour. Unknown
// names select Intel syntax.
func ParseFlavour(s string) AssemblyFlavour {
	switch s {
	case "gnu":
		return GNUFlavour
	case "go":
		return GoFlavour
	}
	return IntelFlavour
}

// AsmInstruction represents one decoded instruction.
type AsmInstruction struct {
	PC    uint64
	Bytes []byte
	// Inst is nil if the bytes at PC could not be decoded.
	Inst *x86asm.Inst
}

// Size returns the number of bytes the instruction occupies.
func (inst *AsmInstruction) Size() int {
	return len(inst.Bytes)
}

// Text will return the assembly instruction in human readable format according to
// the flavour specified.
func (inst *AsmInstruction) Text(flavour AssemblyFlavour) string {
	if inst.Inst == nil {
		return "?"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*inst.Inst, inst.PC, nil)
	case GoFlavour:
		return x86asm.GoSyntax(*inst.Inst, inst.PC, nil)
	default:
		return x86asm.IntelSyntax(*inst.Inst, inst.PC, nil)
	}
}

// IsCall returns true if the instruction is a CALL or LCALL instruction.
func (inst *AsmInstruction) IsCall() bool {
	return inst.Inst != nil && (inst.Inst.Op == x86asm.CALL || inst.Inst.Op == x86asm.LCALL)
}

// IsRet returns true if the instruction is a RET or LRET instruction.
func (inst *AsmInstruction) IsRet() bool {
	return inst.Inst != nil && (inst.Inst.Op == x86asm.RET || inst.Inst.Op == x86asm.LRET)
}

// Disassemble decodes 64-bit x86 code in [startAddr, endAddr) read from mem.
// Bytes that do not decode are reported as one-byte instructions with a nil
// Inst. The Bytes field of each instruction is a slice of a single buffer
// covering the whole range. An empty range yields no instructions; an
// inverted one is an error.
func Disassemble(mem MemoryReader, startAddr, endAddr uint64) ([]AsmInstruction, error) {
	if endAddr < startAddr {
		return nil, fmt.Errorf("invalid range [%#x, %#x)", startAddr, endAddr)
	}
	if endAddr == startAddr {
		return nil, nil
	}
	buf := make([]byte, int(endAddr-startAddr))
	if _, err := mem.ReadMemory(buf, startAddr); err != nil {
		return nil, err
	}

	r := make([]AsmInstruction, 0, len(buf)/maxInstructionLength)
	pc := startAddr
	for len(buf) > 0 {
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			r = append(r, AsmInstruction{PC: pc, Bytes: buf[:1]})
			pc++
			buf = buf[1:]
			continue
		}
		patchPCRel(pc, &inst)
		r = append(r, AsmInstruction{PC: pc, Bytes: buf[:inst.Len], Inst: &inst})
		pc += uint64(inst.Len)
		buf = buf[inst.Len:]
	}
	return r, nil
}

// converts PC relative arguments to absolute addresses
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
