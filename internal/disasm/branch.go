package disasm

// AArch64 control transfers decoded from the raw 32-bit encoding.

// BranchInfo describes a decoded AArch64 control transfer.
type BranchInfo struct {
	Target   uint64 // absolute target address for direct forms
	Cond     bool   // conditional, has a fallthrough
	IsRet    bool
	IsCall   bool // BL, BLR
	Indirect bool // BR, BLR, RET: target held in Reg
	Reg      int  // register number for indirect forms
}

// DecodeBranch decodes a control transfer at pc. Returns nil if raw is not
// a branch, call or return.
func DecodeBranch(raw uint32, pc uint64) *BranchInfo {
	rel := func(imm uint32, bits int) uint64 {
		return uint64(int64(pc) + int64(signExtend(imm, bits))*4)
	}
	rn := int((raw >> 5) & 0x1F)

	switch {
	case raw&0xFFFFFC1F == 0xD65F0000: // RET Xn
		return &BranchInfo{IsRet: true, Indirect: true, Reg: rn}
	case raw&0xFFFFFC1F == 0xD61F0000: // BR Xn
		return &BranchInfo{Indirect: true, Reg: rn}
	case raw&0xFFFFFC1F == 0xD63F0000: // BLR Xn
		return &BranchInfo{IsCall: true, Indirect: true, Reg: rn}
	case raw&0xFC000000 == 0x14000000: // B imm26
		return &BranchInfo{Target: rel(raw&0x03FFFFFF, 26)}
	case raw&0xFC000000 == 0x94000000: // BL imm26
		return &BranchInfo{Target: rel(raw&0x03FFFFFF, 26), IsCall: true}
	case raw&0xFF000010 == 0x54000000: // B.cond imm19
		return &BranchInfo{Target: rel((raw>>5)&0x7FFFF, 19), Cond: true}
	case raw&0x7E000000 == 0x34000000: // CBZ, CBNZ imm19
		return &BranchInfo{Target: rel((raw>>5)&0x7FFFF, 19), Cond: true}
	case raw&0x7E000000 == 0x36000000: // TBZ, TBNZ imm14
		return &BranchInfo{Target: rel((raw>>5)&0x3FFF, 14), Cond: true}
	}
	return nil
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask)
	}
	return int32(val & mask)
}

func (bi *BranchInfo) category() Category {
	switch {
	case bi.IsRet:
		return Return
	case bi.IsCall && bi.Indirect:
		return IndirectCall
	case bi.IsCall:
		return Call
	case bi.Indirect:
		return IndirectJump
	case bi.Cond:
		return CondJump
	}
	return Jump
}
