package ebook

// textAtRadius is how many normalized chars TextAt returns on each side
// of the requested position.
const textAtRadius = 450

// TextAt returns a normalized snippet centered on a percentage position,
// expanded to word boundaries so the locator never scores a half word.
func (b *Book) TextAt(pct float64) string {
	if b.Length() == 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	center := int(pct * float64(b.Length()))

	start := center - textAtRadius
	end := center + textAtRadius
	if start < 0 {
		start = 0
	}
	if end > b.Length() {
		end = b.Length()
	}
	for start > 0 && b.normText[start-1] != ' ' {
		start--
	}
	for end < b.Length() && b.normText[end] != ' ' {
		end++
	}
	return b.normText[start:end]
}

// CharDelta returns the absolute distance in normalized chars between two
// percentage positions.
func (b *Book) CharDelta(pctA, pctB float64) int {
	d := (pctA - pctB) * float64(b.Length())
	if d < 0 {
		d = -d
	}
	return int(d)
}
