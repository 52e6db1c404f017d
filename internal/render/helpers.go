// Package render produces Graphviz DOT output from recovered control-flow
// graphs.
package render

import (
	"fmt"
	"strings"
)

// dotEscape escapes a string for use in DOT HTML labels.
func dotEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// blockID names the node for the block starting at addr.
func blockID(addr uint64) string {
	return fmt.Sprintf("bb_%x", addr)
}
