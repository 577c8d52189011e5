// Package tabsync keeps the selected report classification in step with a
// shareable locator such as the query string of a dashboard URL.
package tabsync

import (
	"net/url"
	"sync"

	"report-sync/models"
)

// QueryParam is the locator key holding the selected classification
const QueryParam = "tab"

// Locator is a persisted, shareable place the selection is written to
type Locator interface {
	Value(key string) string
	// ReplaceShallow updates key in place without a full navigation
	ReplaceShallow(key, value string)
}

// Derive maps a locator value to a classification, defaulting to physical
func Derive(value string) models.Classification {
	if c, ok := models.ParseClassification(value); ok {
		return c
	}
	return models.ClassificationPhysical
}

// Synchronizer binds the selected classification to a Locator in both directions
type Synchronizer struct {
	mu        sync.Mutex
	locator   Locator
	selected  models.Classification
	listeners []func(models.Classification)
}

// New derives the initial selection from the locator
func New(locator Locator) *Synchronizer {
	return &Synchronizer{
		locator:  locator,
		selected: Derive(locator.Value(QueryParam)),
	}
}

// OnChange registers fn to be called with the new selection after it changes
func (s *Synchronizer) OnChange(fn func(models.Classification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Selected returns the current selection
func (s *Synchronizer) Selected() models.Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select changes the selection and writes it to the locator with a shallow
// update. It reports whether anything changed.
func (s *Synchronizer) Select(c models.Classification) bool {
	if _, ok := models.ParseClassification(string(c)); !ok {
		return false
	}

	s.mu.Lock()
	if s.selected == c {
		s.mu.Unlock()
		return false
	}
	s.selected = c
	if s.locator.Value(QueryParam) != string(c) {
		s.locator.ReplaceShallow(QueryParam, string(c))
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
	return true
}

// LocatorChanged re-derives the selection after an external locator change
// such as back/forward navigation. It never writes back to the locator.
func (s *Synchronizer) LocatorChanged() bool {
	s.mu.Lock()
	derived := Derive(s.locator.Value(QueryParam))
	if derived == s.selected {
		s.mu.Unlock()
		return false
	}
	s.selected = derived
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(derived)
	}
	return true
}

// URLLocator is a Locator backed by the query of a URL
type URLLocator struct {
	mu     sync.Mutex
	u      url.URL
	writes int
}

// NewURLLocator copies u into a new locator
func NewURLLocator(u *url.URL) *URLLocator {
	l := &URLLocator{}
	if u != nil {
		l.u = *u
	}
	return l
}

// Value returns the first query value for key
func (l *URLLocator) Value(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u.Query().Get(key)
}

// ReplaceShallow sets key in the query, keeping every other parameter
func (l *URLLocator) ReplaceShallow(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.u.Query()
	q.Set(key, value)
	l.u.RawQuery = q.Encode()
	l.writes++
}

// Navigate replaces the whole query, as a back/forward navigation would
func (l *URLLocator) Navigate(rawQuery string) error {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.RawQuery = q.Encode()
	return nil
}

// RawQuery returns the encoded query
func (l *URLLocator) RawQuery() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u.RawQuery
}

// Writes returns how many shallow updates were made
func (l *URLLocator) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}
