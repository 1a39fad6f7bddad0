package ebook

import (
	"fmt"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

// PositionAt converts a normalized char offset into a full text position:
// percentage plus every locator coordinate a follower might want.
func (b *Book) PositionAt(off int) domain.TextPosition {
	pos := domain.TextPosition{}
	if b.Length() == 0 {
		return pos
	}
	if off < 0 {
		off = 0
	}
	if off > b.Length() {
		off = b.Length()
	}
	pos.Percentage = float64(off) / float64(b.Length())

	block, rel := b.BlockAt(off)
	if block == nil {
		return pos
	}

	pos.XPath = crengineXPath(block, rel)
	pos.CSSSelector = cssSelector(block)
	pos.Fragment = block.ID
	pos.CFI = cfiFor(block)
	return pos
}

// crengineXPath builds the reader-engine path for a block. The engine
// addresses spine documents as DocFragment children of a single body
// element; the fragment's own body appears once more inside it. A char
// offset within the block is carried in the text() suffix.
func crengineXPath(block *Block, rel int) string {
	return fmt.Sprintf("/body/DocFragment[%d]/body/%s[%d]/text().%d",
		block.Chapter+1, block.Tag, block.TagIndex, rel)
}

// cssSelector builds a selector usable by DOM-based readers. An element id
// wins; otherwise fall back to tag position.
func cssSelector(block *Block) string {
	if block.ID != "" {
		return "#" + block.ID
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", block.Tag, block.TagIndex)
}

// cfiFor builds an EPUB canonical fragment identifier down to the block
// element. Spine items are even-numbered children of the spine node; the
// block step is twice its index among same-tag blocks of the chapter.
func cfiFor(block *Block) string {
	return fmt.Sprintf("epubcfi(/6/%d!/4/%d)", (block.Chapter+1)*2, block.TagIndex*2)
}
