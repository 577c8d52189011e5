package tabsync

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-sync/models"
)

func locatorFor(t *testing.T, raw string) *URLLocator {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return NewURLLocator(u)
}

func TestDeriveDefaultsToPhysical(t *testing.T) {
	assert.Equal(t, models.ClassificationPhysical, Derive(""))
	assert.Equal(t, models.ClassificationPhysical, Derive("virtual"))
	assert.Equal(t, models.ClassificationPhysical, Derive("physical"))
	assert.Equal(t, models.ClassificationDigital, Derive("digital"))
}

func TestNewDerivesFromLocator(t *testing.T) {
	assert.Equal(t, models.ClassificationDigital, New(locatorFor(t, "/map?tab=digital")).Selected())
	assert.Equal(t, models.ClassificationPhysical, New(locatorFor(t, "/map")).Selected())
	assert.Equal(t, models.ClassificationPhysical, New(locatorFor(t, "/map?tab=bogus")).Selected())
}

func TestSelectWritesShallowOnce(t *testing.T) {
	loc := locatorFor(t, "/map?brand=acme")
	s := New(loc)

	var seen []models.Classification
	s.OnChange(func(c models.Classification) { seen = append(seen, c) })

	assert.True(t, s.Select(models.ClassificationDigital))
	assert.False(t, s.Select(models.ClassificationDigital))

	assert.Equal(t, 1, loc.Writes())
	assert.Equal(t, "digital", loc.Value(QueryParam))
	assert.Equal(t, "acme", loc.Value("brand"), "other parameters survive")
	assert.Equal(t, []models.Classification{models.ClassificationDigital}, seen)
}

func TestSelectRejectsUnknownClassification(t *testing.T) {
	loc := locatorFor(t, "/map")
	s := New(loc)

	assert.False(t, s.Select(models.Classification("virtual")))
	assert.Equal(t, 0, loc.Writes())
}

func TestLocatorChangeDoesNotWriteBack(t *testing.T) {
	loc := locatorFor(t, "/map?tab=physical")
	s := New(loc)

	var seen []models.Classification
	s.OnChange(func(c models.Classification) { seen = append(seen, c) })

	require.NoError(t, loc.Navigate("tab=digital"))
	assert.True(t, s.LocatorChanged())
	assert.False(t, s.LocatorChanged(), "same value is not committed twice")

	assert.Equal(t, models.ClassificationDigital, s.Selected())
	assert.Equal(t, 0, loc.Writes())
	assert.Equal(t, []models.Classification{models.ClassificationDigital}, seen)
}

func TestLocatorChangeToUnknownFallsBackToPhysical(t *testing.T) {
	loc := locatorFor(t, "/map?tab=digital")
	s := New(loc)

	require.NoError(t, loc.Navigate("tab=nope"))
	assert.True(t, s.LocatorChanged())
	assert.Equal(t, models.ClassificationPhysical, s.Selected())
	assert.Equal(t, 0, loc.Writes())
}

func TestSelectMatchingLocatorSkipsWrite(t *testing.T) {
	loc := locatorFor(t, "/map?tab=digital")
	s := New(loc)

	require.NoError(t, loc.Navigate("tab=physical"))
	// selection is still digital until the change is observed
	assert.True(t, s.Select(models.ClassificationPhysical))
	assert.Equal(t, 0, loc.Writes())
}
