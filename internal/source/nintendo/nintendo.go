package nintendo

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/internal/source/browser"
	"storecrawl/proxypool/session"
)

const Name = "nintendo"

var (
	GameListURL = "https://api.sampleapis.com/switch/games"
	ProductURL  = "https://www.nintendo.com/us/store/products/"
	JapanURL    = "https://www.nintendo.com/jp/software/switch/index.html?sftab=all"
)

// 欧洲商店的搜索页，按区域键索引
var searchURLs = map[string]string{
	"gb": "https://www.nintendo.com/en-gb/Search/Search-299117.html?f=147394-86",
	"ch": "https://www.nintendo.com/de-ch/Suche-/Suche-299117.html?f=147394-86",
	"de": "https://www.nintendo.com/de-de/Suche-/Suche-299117.html?f=147394-86",
}

// 这些区域的价格沿用 de 的结果
var mirrorOfDE = map[string]bool{"fr": true, "it": true, "es": true, "nl": true, "pt": true, "at": true}

var defaultRegions = []string{"br", "gb", "ch", "de", "fr", "it", "es", "nl", "pt", "at", "jp"}

const (
	searchWait = 10 * time.Second

	selPrice     = `span.W990N.QS4uJ, div.o2BsP.QS4uJ`
	selPlatform  = `div.sc-1i9d4nw-14 span`
	selScreens   = `div.-fzAB.SUqIq img`
	selEUResults = `ul.results`
	selEURow     = `li.searchresult_row`
	selEUPrice   = `p.price-small span`
	selEUInput   = `input[type="search"]`
	selEUResult  = `span[class=""]`
	selJPInput   = `input.nc3-c-search__boxText`
	selJPPrice   = `div.nc3-c-softCard__listItemPrice`
)

var nonSlug = regexp.MustCompile(`[^a-z0-9 ]`)

type Adapter struct {
	env     source.Env
	browser *browser.Browser

	// 同一条目的 de 价格缓存，供镜像区域复用
	deFor   string
	dePrice string
}

func New(env source.Env) source.Adapter { return &Adapter{env: env} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Regions() []source.Region { return source.ParseRegions(defaultRegions) }

func (a *Adapter) Headers() http.Header { return nil }

// Close 结束本实例启动的浏览器。
func (a *Adapter) Close() error {
	if a.browser == nil {
		return nil
	}
	err := a.browser.Close()
	a.browser = nil
	return err
}

func (a *Adapter) ensureBrowser(ctx context.Context, sess *session.Session) (*browser.Browser, error) {
	if a.browser != nil {
		return a.browser, nil
	}
	b, err := browser.Launch(ctx, sess.Proxy(), a.env.Browser)
	if err != nil {
		return nil, err
	}
	a.browser = b
	return b, nil
}

type apiGame struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	Genre        []string          `json:"genre"`
	Publishers   []string          `json:"publishers"`
	ReleaseDates map[string]string `json:"releaseDates"`
}

// Slug 按商店的 URL 规则把标题转成产品路径段。
func Slug(title string) string {
	s := strings.ReplaceAll(title, "&", "and")
	s = strings.ToLower(s)
	s = nonSlug.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, " ", "-")
}

func (a *Adapter) ListCandidates(ctx context.Context, lc source.ListContext) ([]source.Candidate, error) {
	sess, err := lc.Sessions.Next()
	if err != nil {
		return nil, err
	}
	var games []apiGame
	if err := sess.GetJSON(ctx, GameListURL, &games); err != nil {
		return nil, fmt.Errorf("failed to fetch nintendo game list: %w", err)
	}

	out := make([]source.Candidate, 0, len(games))
	for _, g := range games {
		publisher := "N/A"
		if len(g.Publishers) > 0 {
			publisher = g.Publishers[0]
		}
		out = append(out, source.Candidate{
			ID:    strconv.Itoa(g.ID),
			Title: g.Name,
			URL:   ProductURL + Slug(g.Name) + "-switch/",
			Meta: map[string]string{
				"publisher":    publisher,
				"release_date": source.TextOr(g.ReleaseDates["NorthAmerica"], "N/A"),
				"genre":        strings.Join(g.Genre, "|"),
			},
		})
	}
	return out, nil
}

func (a *Adapter) ExtractItem(ctx context.Context, sess *session.Session, c source.Candidate) (*types.Record, error) {
	b, err := a.ensureBrowser(ctx, sess)
	if err != nil {
		return nil, err
	}
	doc, err := b.Render(ctx, c.URL, nil)
	if err != nil {
		return nil, err
	}

	rec := parseProduct(doc, c.Title)
	rec.Publisher = c.Meta["publisher"]
	rec.ReleaseDate = c.Meta["release_date"]
	rec.Categories = []string{}
	if g := c.Meta["genre"]; g != "" {
		rec.Categories = strings.Split(g, "|")
	}
	return rec, nil
}

func parseProduct(doc *goquery.Document, title string) *types.Record {
	rec := &types.Record{
		Title:            title,
		HeaderImage:      "N/A",
		Rating:           "No Rating",
		ShortDescription: source.TextOr(doc.Find(`meta[name="description"]`).AttrOr("content", ""), "No Short Description"),
		Screenshots:      []string{},
	}

	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.AttrOr("alt", "") == title+" 1" {
			rec.HeaderImage = s.AttrOr("src", "N/A")
			return false
		}
		return true
	})
	doc.Find("h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) == "ESRB rating" {
			rec.Rating = source.TextOr(s.NextAllFiltered("div").First().Find("a").First().Text(), "No Rating")
			return false
		}
		return true
	})
	if p := strings.TrimSpace(doc.Find(selPlatform).First().Text()); p != "" {
		rec.Platforms = []string{p}
	}
	doc.Find(selScreens).Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			rec.Screenshots = append(rec.Screenshots, src)
		}
	})
	rec.SetPrice("us", productPrice(doc))
	return rec
}

func productPrice(doc *goquery.Document) string {
	t := strings.ReplaceAll(strings.TrimSpace(doc.Find(selPrice).First().Text()), "\u00a0", " ")
	if t == "" {
		return types.PriceNotAvailable
	}
	parts := strings.Split(t, ":")
	return source.TextOr(parts[len(parts)-1], types.PriceNotAvailable)
}

func (a *Adapter) FetchRegionPrice(ctx context.Context, sess *session.Session, c source.Candidate, region source.Region) (string, error) {
	key := region.Key
	if mirrorOfDE[key] {
		if a.deFor == c.ID {
			return a.dePrice, nil
		}
		key = "de"
	}
	if key != "br" && key != "jp" && searchURLs[key] == "" {
		return types.PriceNotAvailable, nil
	}

	b, err := a.ensureBrowser(ctx, sess)
	if err != nil {
		return "", err
	}

	var price string
	switch {
	case key == "br":
		doc, err := b.Render(ctx, strings.Replace(c.URL, "/us/", "/pt-br/", 1), nil)
		if err != nil {
			return "", err
		}
		price = productPrice(doc)
	case searchURLs[key] != "":
		price, err = a.searchPrice(ctx, b, searchURLs[key], selEUInput, selEUResult, c.Title, parseEUPrice)
		if err != nil {
			return "", err
		}
	default:
		price, err = a.searchPrice(ctx, b, JapanURL, selJPInput, selJPPrice, c.Title, parseJPPrice)
		if err != nil {
			return "", err
		}
	}

	if key == "de" {
		a.deFor, a.dePrice = c.ID, price
	}
	return price, nil
}

func (a *Adapter) searchPrice(ctx context.Context, b *browser.Browser, url, inputSel, resultSel, title string, parse func(*goquery.Document) string) (string, error) {
	found := false
	doc, err := b.Render(ctx, url, func(page *rod.Page) error {
		ok, err := browser.Search(page, inputSel, resultSel, title, searchWait)
		found = ok
		return err
	})
	if err != nil {
		return "", err
	}
	if !found {
		return types.PriceNotAvailable, nil
	}
	return parse(doc), nil
}

func parseEUPrice(doc *goquery.Document) string {
	row := doc.Find(selEUResults).Last().Find(selEURow).First()
	t := strings.TrimSpace(row.Find(selEUPrice).Last().Text())
	t = strings.TrimSpace(strings.ReplaceAll(t, "*", " "))
	return source.TextOr(t, types.PriceNotAvailable)
}

func parseJPPrice(doc *goquery.Document) string {
	return source.TextOr(doc.Find(selJPPrice).First().Text(), types.PriceNotAvailable)
}
