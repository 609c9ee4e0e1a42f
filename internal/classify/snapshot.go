package classify

// DomSnapshot is the rendered page the Fetcher captured for one target.
type DomSnapshot struct {
	HTML string
}

// SideChannel carries the signals the Fetcher observed alongside the
// DOM, used to distinguish BLOCKED from an honestly empty page.
type SideChannel struct {
	FinalURL        string
	Title           string
	ConsoleMessages []string
}

// Palette is a target's canonical "available" color marker.
type Palette struct {
	R, G, B int
}
