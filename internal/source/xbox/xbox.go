package xbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/internal/source/browser"
	"storecrawl/proxypool/session"
)

const Name = "xbox"

var BrowseURL = "https://www.xbox.com/en-US/games/browse"

const (
	loadMoreXPath = `//button[contains(@aria-label, "Load more")]`
	loadMoreWait  = 60 * time.Second

	selCard        = `div[class*="ProductCard-module__cardWrapper"] a[href]`
	selTitle       = `h1[class*="typography-module__xdsH1"]`
	selInfoLine    = `span[class*="ProductInfoLine-module__textInfo"]`
	selDescription = `p[class*="Description-module__description"]`
	selGallery     = `section[aria-label="Gallery"] img`
	selHeader      = `img[class*="ProductDetailsHeader-module__productImage"]`
	selBody2       = `div[class*="typography-module__xdsBody2"]`
	selFeatures    = `ul[class*="FeaturesList-module__wrapper"] li`
	selPrice       = `span[class*="Price-module__boldText"]`
)

var defaultRegions = []string{
	"en-gb", "en-eu", "en-in", "pt-br", "en-au", "en-ca", "ru-ru", "zh-cn", "es-mx",
	"en-za", "es-ar", "tr-tr", "ar-sa", "ar-ae", "en-hu", "es-co", "en-pl", "en-no",
}

type Adapter struct {
	env source.Env
}

func New(env source.Env) source.Adapter { return &Adapter{env: env} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Regions() []source.Region { return source.ParseRegions(defaultRegions) }

func (a *Adapter) Headers() http.Header {
	h := http.Header{}
	h.Set("Referer", "https://www.xbox.com/")
	return h
}

// ListCandidates 在无头浏览器中打开浏览页，一直点击 "Load more" 直到按钮消失，然后收集所有卡片链接。
func (a *Adapter) ListCandidates(ctx context.Context, lc source.ListContext) ([]source.Candidate, error) {
	l := logger.WithComponent("Source/Xbox")

	sess, err := lc.Sessions.Next()
	if err != nil {
		return nil, err
	}
	b, err := browser.Launch(ctx, sess.Proxy(), a.env.Browser)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	clicks := 0
	doc, err := b.Render(ctx, BrowseURL, func(page *rod.Page) error {
		n, err := browser.ClickUntilGone(page, loadMoreXPath, loadMoreWait, 0)
		clicks = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render xbox catalog: %w", err)
	}

	out := parseCards(doc)
	l.Info().Int("clicks", clicks).Int("cards", len(out)).Msg("Xbox catalog rendered.")
	return out, nil
}

func parseCards(doc *goquery.Document) []source.Candidate {
	var out []source.Candidate
	doc.Find(selCard).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" {
			return
		}
		id := href
		if i := strings.LastIndex(strings.TrimRight(href, "/"), "/"); i >= 0 {
			id = strings.TrimRight(href, "/")[i+1:]
		}
		out = append(out, source.Candidate{ID: id, URL: href})
	})
	return out
}

func (a *Adapter) ExtractItem(ctx context.Context, sess *session.Session, c source.Candidate) (*types.Record, error) {
	doc, err := sess.GetDocument(ctx, c.URL)
	if err != nil {
		return nil, err
	}
	return parseDetails(doc), nil
}

func parseDetails(doc *goquery.Document) *types.Record {
	rec := &types.Record{
		Title:            source.TextOr(first(doc, selTitle), "No Title"),
		ShortDescription: source.TextOr(doc.Find(`meta[name="description"]`).AttrOr("content", ""), "No Description"),
		FullDescription:  source.TextOr(first(doc, selDescription), "No Description"),
		HeaderImage:      source.TextOr(doc.Find(selHeader).First().AttrOr("src", ""), "No Image"),
		Publisher:        source.TextOr(first(doc, selBody2), "No Publisher"),
		ReleaseDate:      source.TextOr(doc.Find(selBody2).Eq(1).Text(), "No Release Date"),
		Rating:           "Not Rated",
		Categories:       []string{},
		Screenshots:      []string{},
	}

	if info := first(doc, selInfoLine); info != "" {
		for _, part := range strings.Split(info, "•") {
			if part = strings.TrimSpace(part); part != "" {
				rec.Categories = append(rec.Categories, part)
			}
		}
	}
	if n := len(rec.Categories); n > 0 && strings.HasSuffix(rec.Categories[n-1], "K") {
		rec.Rating = rec.Categories[n-1]
		rec.Categories = rec.Categories[:n-1]
	}

	doc.Find(selGallery).Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			rec.Screenshots = append(rec.Screenshots, src)
		}
	})
	doc.Find(selFeatures).Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			rec.Platforms = append(rec.Platforms, t)
		}
	})
	if len(rec.Platforms) == 0 {
		rec.Platforms = []string{"No Platforms"}
	}

	rec.SetPrice("us", source.TextOr(first(doc, selPrice), types.PriceNotAvailable))
	return rec
}

// FetchRegionPrice 把详情链接中的 en-US 替换为区域 locale 后读取价格。
func (a *Adapter) FetchRegionPrice(ctx context.Context, sess *session.Session, c source.Candidate, region source.Region) (string, error) {
	doc, err := sess.GetDocument(ctx, localize(c.URL, region.Locale))
	if err != nil {
		return "", err
	}
	return source.TextOr(first(doc, selPrice), types.PriceNotAvailable), nil
}

func localize(link, locale string) string {
	parts := strings.SplitN(locale, "-", 2)
	if len(parts) == 2 {
		locale = parts[0] + "-" + strings.ToUpper(parts[1])
	}
	return strings.Replace(link, "en-US", locale, 1)
}

func first(doc *goquery.Document, sel string) string {
	return strings.TrimSpace(doc.Find(sel).First().Text())
}
