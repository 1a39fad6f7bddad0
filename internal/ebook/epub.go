// Package ebook parses epub files into a flat block model that position
// lookups run against. Parsing keeps just enough structure to generate
// reader-compatible locators; styling and media are ignored.
package ebook

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/normalize"
)

// blockTags are the block-level elements positions anchor to. Inline
// elements make brittle paths across reader engines.
//
//nolint:gochecknoglobals // Static lookup table
var blockTags = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"td": true, "pre": true,
}

// Block is one block-level element's text with its addressing info.
type Block struct {
	Chapter   int    // spine index
	Tag       string // element name
	TagIndex  int    // 1-based index among same-tag blocks in the chapter
	ID        string // element id attribute, "" when absent
	Text      string // raw text content
	NormText  string // normalized text
	NormStart int    // offset of NormText within the book's normalized text
}

// Chapter is one spine document.
type Chapter struct {
	Href   string
	Blocks []Block
}

// Book is a parsed epub.
type Book struct {
	Path     string
	Title    string
	Author   string
	Chapters []Chapter

	normText string
	blocks   []*Block // flattened, in reading order
}

// NormText returns the whole book's normalized text.
func (b *Book) NormText() string { return b.normText }

// Length returns the normalized text length in characters.
func (b *Book) Length() int { return len(b.normText) }

// WordCount returns the number of words in the normalized text.
func (b *Book) WordCount() int {
	if b.normText == "" {
		return 0
	}
	return strings.Count(b.normText, " ") + 1
}

// BlockAt returns the block containing the normalized char offset and the
// offset relative to the block's start. Offsets are clamped to the text.
func (b *Book) BlockAt(off int) (*Block, int) {
	if len(b.blocks) == 0 {
		return nil, 0
	}
	if off < 0 {
		off = 0
	}
	if off >= len(b.normText) {
		off = len(b.normText) - 1
	}

	lo, hi := 0, len(b.blocks)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if b.blocks[mid].NormStart <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return b.blocks[lo], off - b.blocks[lo].NormStart
}

// Parse reads an epub from disk.
func Parse(epubPath string) (*Book, error) {
	zr, err := zip.OpenReader(epubPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidData, "open epub %s", path.Base(epubPath))
	}
	defer zr.Close()

	opfPath, err := containerRootfile(&zr.Reader)
	if err != nil {
		return nil, err
	}

	pkg, err := readOPF(&zr.Reader, opfPath)
	if err != nil {
		return nil, err
	}

	book := &Book{
		Path:   epubPath,
		Title:  pkg.Metadata.Title,
		Author: pkg.Metadata.Creator,
	}

	opfDir := path.Dir(opfPath)
	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	var normParts []string
	cursor := 0
	for i, ref := range pkg.Spine.Refs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		full := path.Join(opfDir, href)
		blocks, err := parseChapter(&zr.Reader, full, i)
		if err != nil {
			return nil, err
		}

		for j := range blocks {
			if cursor > 0 {
				cursor++ // joining space
			}
			blocks[j].NormStart = cursor
			cursor += len(blocks[j].NormText)
			normParts = append(normParts, blocks[j].NormText)
		}
		book.Chapters = append(book.Chapters, Chapter{Href: href, Blocks: blocks})
	}

	book.normText = strings.Join(normParts, " ")
	for i := range book.Chapters {
		for j := range book.Chapters[i].Blocks {
			book.blocks = append(book.blocks, &book.Chapters[i].Blocks[j])
		}
	}

	if book.Length() == 0 {
		return nil, errors.InvalidDataf("epub %s has no text content", path.Base(epubPath))
	}
	return book, nil
}

// Metadata reads just the title and author from an epub. Library scans
// touch every file; full parses are saved for books that actually sync.
func Metadata(epubPath string) (title, author string, err error) {
	zr, err := zip.OpenReader(epubPath)
	if err != nil {
		return "", "", errors.Wrapf(err, errors.KindInvalidData, "open epub %s", path.Base(epubPath))
	}
	defer zr.Close()

	opfPath, err := containerRootfile(&zr.Reader)
	if err != nil {
		return "", "", err
	}
	pkg, err := readOPF(&zr.Reader, opfPath)
	if err != nil {
		return "", "", err
	}
	return pkg.Metadata.Title, pkg.Metadata.Creator, nil
}

type container struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

type opfPackage struct {
	Metadata struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Refs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

func containerRootfile(zr *zip.Reader) (string, error) {
	f, err := openZipFile(zr, "META-INF/container.xml")
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalidData, "epub missing container.xml")
	}
	defer f.Close()

	var c container
	if err := xml.NewDecoder(f).Decode(&c); err != nil {
		return "", errors.Wrap(err, errors.KindInvalidData, "parse container.xml")
	}
	if len(c.Rootfiles.Rootfile) == 0 {
		return "", errors.InvalidData("container.xml lists no rootfile")
	}
	return c.Rootfiles.Rootfile[0].FullPath, nil
}

func readOPF(zr *zip.Reader, opfPath string) (*opfPackage, error) {
	f, err := openZipFile(zr, opfPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidData, "epub missing %s", opfPath)
	}
	defer f.Close()

	var pkg opfPackage
	if err := xml.NewDecoder(f).Decode(&pkg); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidData, "parse opf")
	}
	return &pkg, nil
}

// parseChapter extracts block-level text from one spine document.
func parseChapter(zr *zip.Reader, name string, chapterIdx int) ([]Block, error) {
	f, err := openZipFile(zr, name)
	if err != nil {
		// Some epubs list spine entries that do not exist; skip them.
		return nil, nil
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidData, "parse chapter %s", name)
	}

	var blocks []Block
	tagCounts := make(map[string]int)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && blockTags[n.Data] {
			// Nested blocks (div > p) are addressed by the innermost
			// element; only emit a block if no block child exists.
			if !hasBlockChild(n) {
				text := collectText(n)
				norm := normalize.Text(text)
				tagCounts[n.Data]++
				if norm != "" {
					blocks = append(blocks, Block{
						Chapter:  chapterIdx,
						Tag:      n.Data,
						TagIndex: tagCounts[n.Data],
						ID:       attrValue(n, "id"),
						Text:     strings.TrimSpace(text),
						NormText: norm,
					})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks, nil
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && blockTags[c.Data] {
			return true
		}
		if hasBlockChild(c) {
			return true
		}
	}
	return false
}

func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func openZipFile(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s not in archive", name)
}
