package playstation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/proxypool/session"
)

type directSessions struct{ s *session.Session }

func (d directSessions) Next() (*session.Session, error) { return d.s, nil }

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(nil, session.Options{Retries: 1, Headers: New(source.Env{}).Headers()})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func browsePage(page int, concepts ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul>`)
	for _, c := range concepts {
		fmt.Fprintf(&b, `<li><a href="/en-us/concept/%d">Game %d</a></li>`, c, c)
	}
	b.WriteString(`<li><a href="/en-us/category/deals">Deals</a></li></ul>`)
	b.WriteString(`<ol class="psw-l-space-x-1 psw-l-line-center psw-list-style-none">`)
	b.WriteString(`<li><button><span class="psw-fill-x">1</span></button></li>`)
	b.WriteString(`<li><button><span class="psw-fill-x">3</span></button></li></ol>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

const conceptPage = `<html><body>
<h1 data-qa="mfe-game-title#name"> Astro Bot </h1>
<div class="psw-l-switcher psw-with-dividers">Platformer adventure</div>
<div data-qa="pdp#overview">Astro is back.</div>
<img data-qa="gameBackgroundImage#heroImage#preview" src="https://img.example/astro.png">
<span data-qa="mfe-star-rating#overall-rating#average-rating">4.86</span>
<dd data-qa="gameInfo#releaseInformation#publisher-value">Sony Interactive Entertainment</dd>
<dd data-qa="gameInfo#releaseInformation#platform-value">PS5, PS4</dd>
<dd data-qa="gameInfo#releaseInformation#releaseDate-value">9/6/2024</dd>
<dd data-qa="gameInfo#releaseInformation#genre-value"><span>Action</span><span>Family</span></dd>
<span data-qa="mfeCtaMain#offer0#finalPrice">%s</span>
</body></html>`

func fakeStore(t *testing.T) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/en-us/pages/browse/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.playstation.com/", r.Header.Get("Referer"))
		switch strings.TrimPrefix(r.URL.Path, "/en-us/pages/browse/") {
		case "1":
			_, _ = w.Write([]byte(browsePage(1, 101, 102)))
		case "2":
			_, _ = w.Write([]byte(browsePage(2, 201)))
		case "3":
			_, _ = w.Write([]byte(browsePage(3, 301, 302)))
		}
	})
	mux.HandleFunc("/en-us/concept/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, conceptPage, "$59.99")
	})
	mux.HandleFunc("/en-gb/concept/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, conceptPage, "£59.99")
	})
	mux.HandleFunc("/de-de/concept/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, conceptPage, "")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	old := BaseURL
	BaseURL = srv.URL
	t.Cleanup(func() { BaseURL = old })
}

func TestListCandidatesOrderedByPage(t *testing.T) {
	fakeStore(t)
	a := New(source.Env{})

	got, err := a.ListCandidates(context.Background(), source.ListContext{
		Sessions:    directSessions{newSession(t)},
		Parallelism: 3,
		UserAgent:   "storecrawl-test",
	})
	require.NoError(t, err)

	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"101", "102", "201", "301", "302"}, ids)
	assert.Equal(t, "/en-us/concept/101", got[0].URL)
}

func TestExtractItem(t *testing.T) {
	fakeStore(t)
	a := New(source.Env{})

	rec, err := a.ExtractItem(context.Background(), newSession(t), source.Candidate{ID: "101", URL: "/en-us/concept/101"})
	require.NoError(t, err)
	assert.Equal(t, "Astro Bot", rec.Title)
	assert.Equal(t, "4.86", rec.Rating)
	assert.Equal(t, []string{"PS5", "PS4"}, rec.Platforms)
	assert.Equal(t, []string{"Action", "Family"}, rec.Categories)
	assert.Equal(t, "https://img.example/astro.png", rec.HeaderImage)
	assert.Equal(t, "$59.99", rec.Prices["us"])
}

func TestExtractItemMissingTitle(t *testing.T) {
	fakeStore(t)
	_, err := New(source.Env{}).ExtractItem(context.Background(), newSession(t), source.Candidate{URL: "/en-us/pages/browse/2"})
	assert.ErrorIs(t, err, source.ErrParse)
}

func TestFetchRegionPriceUsesLocale(t *testing.T) {
	fakeStore(t)
	a := New(source.Env{})
	c := source.Candidate{ID: "101", URL: "/en-us/concept/101"}

	got, err := a.FetchRegionPrice(context.Background(), newSession(t), c, source.ParseRegion("en-gb"))
	require.NoError(t, err)
	assert.Equal(t, "£59.99", got)

	got, err = a.FetchRegionPrice(context.Background(), newSession(t), c, source.ParseRegion("de-de"))
	require.NoError(t, err)
	assert.Equal(t, types.PriceNotAvailable, got)

	_, err = a.FetchRegionPrice(context.Background(), newSession(t), c, source.ParseRegion("fr-fr"))
	assert.ErrorIs(t, err, source.ErrNotFound)
}
