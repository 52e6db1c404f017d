package disasm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"

	"cfgrecover/internal/arch"
)

func decodeARM64(buf []byte, addr uint64) (Inst, error) {
	out := Inst{Arch: arch.AArch64, Addr: addr, Cat: Invalid}
	if len(buf) < 4 {
		return out, errors.Wrapf(ErrTruncated, "0x%x", addr)
	}
	raw := binary.LittleEndian.Uint32(buf)
	out.Raw = raw
	out.Len = 4
	out.Bytes = buf[:4]

	in, err := arm64asm.Decode(buf[:4])
	if err != nil {
		out.Mnemonic = ".word"
		out.Text = fmt.Sprintf(".word 0x%08x", raw)
		return out, errors.Wrapf(ErrInvalid, "0x%x: %v", addr, err)
	}
	out.Text = in.String()
	out.Mnemonic = splitText(out.Text)
	out.Cat = Other

	if bi := DecodeBranch(raw, addr); bi != nil {
		out.Cat = bi.category()
		if !bi.Indirect {
			out.Target = bi.Target
			out.HasTarget = true
		}
	}
	return out, nil
}
