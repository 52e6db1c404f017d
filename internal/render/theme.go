package render

// Theme holds colors for CFG rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Edge colors by edge type.
	EdgeDirect   string // jumps and fallthrough
	EdgeTaken    string // conditional branch taken
	EdgeNotTaken string // conditional branch not taken
	EdgeIndirect string // resolved jump table targets

	// Node accents.
	EntryBorder    string
	TermFill       string // blocks without successors
	UnresolvedFill string // blocks ending in an unresolved indirect jump
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeDirect:   "#424242", // dark gray
	EdgeTaken:    "#0B3D91", // NASA blue
	EdgeNotTaken: "#FC3D21", // NASA red
	EdgeIndirect: "#00695C", // teal

	EntryBorder:    "#0B3D91",
	TermFill:       "#ECEFF1", // blue-gray 50
	UnresolvedFill: "#FFE0B2", // orange 100
}
