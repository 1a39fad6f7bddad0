package ebook

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds how many parsed books stay in memory. Parsing is
// seconds of work and megabytes of text per book; syncing touches only a
// handful of books at a time.
const defaultCacheSize = 3

// Cache keeps parsed books keyed by epub path with LRU eviction.
type Cache struct {
	books *lru.Cache[string, *Book]
}

// NewCache creates a cache holding up to size parsed books. A size below 1
// falls back to the default.
func NewCache(size int) *Cache {
	if size < 1 {
		size = defaultCacheSize
	}
	books, _ := lru.New[string, *Book](size)
	return &Cache{books: books}
}

// Get returns the parsed book for path, parsing it on a miss.
func (c *Cache) Get(path string) (*Book, error) {
	if book, ok := c.books.Get(path); ok {
		return book, nil
	}
	book, err := Parse(path)
	if err != nil {
		return nil, err
	}
	c.books.Add(path, book)
	return book, nil
}

// Invalidate drops a cached book, e.g. after the file changed on disk.
func (c *Cache) Invalidate(path string) {
	c.books.Remove(path)
}

// Len reports how many books are currently cached.
func (c *Cache) Len() int { return c.books.Len() }
