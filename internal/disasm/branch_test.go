package disasm

import "testing"

func TestDecodeBranch_NotBranch(t *testing.T) {
	// ADD X0, X1, X2
	if bi := DecodeBranch(0x8B020020, 0x1000); bi != nil {
		t.Errorf("add decoded as %+v", bi)
	}
}

func TestDecodeBranch_CallsAndRegisters(t *testing.T) {
	tests := []struct {
		name     string
		raw      uint32
		cat      Category
		target   uint64
		reg      int
		indirect bool
	}{
		{"b", 0x14000000 | 0x40, Jump, 0x1100, 0, false},
		{"b_back", 0x14000000 | 0x03FFFFFC, Jump, 0xff0, 0, false},
		{"b_eq", 0x54000000 | 8<<5, CondJump, 0x1020, 0, false},
		{"cbz", 0xB4000000 | 0x10<<5, CondJump, 0x1040, 0, false},
		{"tbz", 0x36000000 | 4<<5, CondJump, 0x1010, 0, false},
		{"bl", 0x94000000 | 0x40, Call, 0x1100, 0, false},
		{"blr_x16", 0xD63F0000 | 16<<5, IndirectCall, 0, 16, true},
		{"br_x17", 0xD61F0000 | 17<<5, IndirectJump, 0, 17, true},
		{"ret", 0xD65F03C0, Return, 0, 30, true},
		{"cbnz", 0xB5000000 | 0x10<<5, CondJump, 0x1040, 0, false},
		{"tbnz", 0x37000000 | 4<<5, CondJump, 0x1010, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bi := DecodeBranch(tt.raw, 0x1000)
			if bi == nil {
				t.Fatal("not decoded")
			}
			if got := bi.category(); got != tt.cat {
				t.Errorf("category = %v, want %v", got, tt.cat)
			}
			if bi.Indirect != tt.indirect {
				t.Errorf("indirect = %v, want %v", bi.Indirect, tt.indirect)
			}
			if tt.indirect && bi.Reg != tt.reg {
				t.Errorf("reg = %d, want %d", bi.Reg, tt.reg)
			}
			if !tt.indirect && bi.Target != tt.target {
				t.Errorf("target = 0x%x, want 0x%x", bi.Target, tt.target)
			}
		})
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		val  uint32
		bits int
		want int32
	}{
		{0x04, 19, 4},       // positive
		{0x7FFFF, 19, -1},   // -1 in 19-bit
		{0x3FFF, 14, -1},    // -1 in 14-bit
		{0x2000, 14, -8192}, // MSB set in 14-bit
	}
	for _, tc := range tests {
		got := signExtend(tc.val, tc.bits)
		if got != tc.want {
			t.Errorf("signExtend(0x%x, %d) = %d, want %d", tc.val, tc.bits, got, tc.want)
		}
	}
}
