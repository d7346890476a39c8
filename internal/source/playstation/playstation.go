package playstation

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/proxypool/session"
)

const Name = "playstation"

var (
	BaseURL   = "https://store.playstation.com"
	browseFmt = "/en-us/pages/browse/%d"
)

var conceptLink = regexp.MustCompile(`^/en-us/concept/\d+`)

var defaultRegions = []string{
	"en-eu", "de-at", "es-ar", "ar-bh", "fr-be", "pt-br", "en-gb", "de-de",
	"en-hk", "en-gr", "en-in", "es-es", "it-it", "ar-qa", "en-kw", "ar-lb",
	"de-lu", "nl-nl", "ar-ae", "ar-om", "pl-pl", "pt-pt", "ro-ro", "ar-sa",
	"sl-si", "sk-sk", "tr-tr", "fi-fi", "fr-fr", "en-za",
}

// data-qa 选择器
const (
	selTitle       = `[data-qa="mfe-game-title#name"]`
	selShortDesc   = `.psw-l-switcher.psw-with-dividers`
	selOverview    = `[data-qa="pdp#overview"]`
	selHeroImage   = `img[data-qa="gameBackgroundImage#heroImage#preview"]`
	selRating      = `[data-qa="mfe-star-rating#overall-rating#average-rating"]`
	selPublisher   = `[data-qa="gameInfo#releaseInformation#publisher-value"]`
	selPlatform    = `[data-qa="gameInfo#releaseInformation#platform-value"]`
	selReleaseDate = `[data-qa="gameInfo#releaseInformation#releaseDate-value"]`
	selGenre       = `[data-qa="gameInfo#releaseInformation#genre-value"] span`
	selFinalPrice  = `[data-qa="mfeCtaMain#offer0#finalPrice"]`
	selPagination  = `ol.psw-l-space-x-1.psw-l-line-center.psw-list-style-none li`
)

type Adapter struct{}

func New(source.Env) source.Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Regions() []source.Region { return source.ParseRegions(defaultRegions) }

func (a *Adapter) Headers() http.Header {
	h := http.Header{}
	h.Set("Referer", "https://www.playstation.com/")
	h.Set("Origin", "https://www.playstation.com")
	h.Set("DNT", "1")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	return h
}

// totalPages 读取浏览页分页条的最后一页页码。
func totalPages(ctx context.Context, sess *session.Session) (int, error) {
	doc, err := sess.GetDocument(ctx, BaseURL+fmt.Sprintf(browseFmt, 1))
	if err != nil {
		return 0, err
	}
	last := doc.Find(selPagination).Last().Find("span.psw-fill-x").First().Text()
	n, err := strconv.Atoi(strings.TrimSpace(last))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: cannot read page count '%s'", source.ErrParse, last)
	}
	return n, nil
}

// ListCandidates 先读取总页数，再用 colly 并行抓取所有浏览页上的 concept 链接，
// 代理按请求轮转。结果按页码顺序拼接。
func (a *Adapter) ListCandidates(ctx context.Context, lc source.ListContext) ([]source.Candidate, error) {
	l := logger.WithComponent("Source/PlayStation")

	sess, err := lc.Sessions.Next()
	if err != nil {
		return nil, err
	}
	pages, err := totalPages(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to read playstation page count: %w", err)
	}
	l.Info().Int("pages", pages).Msg("Browsing PlayStation catalog.")

	c := colly.NewCollector(colly.Async(true))
	c.SetRequestTimeout(30 * time.Second)
	if lc.UserAgent != "" {
		c.UserAgent = lc.UserAgent
	}
	parallelism := lc.Parallelism
	if parallelism < 1 {
		parallelism = 4
	}
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: parallelism}); err != nil {
		return nil, err
	}

	if len(lc.Proxies) > 0 {
		urls := make([]string, len(lc.Proxies))
		for i, p := range lc.Proxies {
			urls[i] = p.URL().String()
		}
		switcher, err := proxy.RoundRobinProxySwitcher(urls...)
		if err != nil {
			return nil, fmt.Errorf("failed to build proxy switcher: %w", err)
		}
		c.SetProxyFunc(switcher)
	}

	headers := a.Headers()
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		for k := range headers {
			r.Headers.Set(k, headers.Get(k))
		}
	})

	var mu sync.Mutex
	byPage := make(map[int][]string, pages)
	failed := 0

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if !conceptLink.MatchString(href) {
			return
		}
		page, _ := strconv.Atoi(e.Request.Ctx.Get("page"))
		mu.Lock()
		byPage[page] = append(byPage[page], href)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		failed++
		mu.Unlock()
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Browse page failed, skipping.")
	})

	for i := 1; i <= pages; i++ {
		rctx := colly.NewContext()
		rctx.Put("page", strconv.Itoa(i))
		if err := c.Request(http.MethodGet, BaseURL+fmt.Sprintf(browseFmt, i), nil, rctx, nil); err != nil {
			l.Warn().Err(err).Int("page", i).Msg("Failed to queue browse page.")
		}
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order := make([]int, 0, len(byPage))
	for p := range byPage {
		order = append(order, p)
	}
	sort.Ints(order)

	var out []source.Candidate
	for _, p := range order {
		for _, href := range byPage[p] {
			out = append(out, source.Candidate{ID: strings.TrimPrefix(href, "/en-us/concept/"), URL: href})
		}
	}
	l.Info().Int("links", len(out)).Int("failed_pages", failed).Msg("PlayStation catalog browsed.")
	return out, nil
}

func (a *Adapter) ExtractItem(ctx context.Context, sess *session.Session, c source.Candidate) (*types.Record, error) {
	doc, err := sess.GetDocument(ctx, BaseURL+c.URL)
	if err != nil {
		return nil, err
	}
	title := text(doc.Find(selTitle))
	if title == "" {
		return nil, fmt.Errorf("%w: no title on %s", source.ErrParse, c.URL)
	}

	rec := &types.Record{
		Title:            title,
		ShortDescription: source.TextOr(text(doc.Find(selShortDesc)), "N/A"),
		FullDescription:  source.TextOr(text(doc.Find(selOverview)), "N/A"),
		HeaderImage:      source.TextOr(doc.Find(selHeroImage).First().AttrOr("src", ""), "N/A"),
		Rating:           source.TextOr(text(doc.Find(selRating)), "N/A"),
		Publisher:        source.TextOr(text(doc.Find(selPublisher)), "N/A"),
		ReleaseDate:      source.TextOr(text(doc.Find(selReleaseDate)), "N/A"),
		Categories:       []string{},
	}
	if platforms := text(doc.Find(selPlatform)); platforms != "" {
		for _, p := range strings.Split(platforms, ",") {
			rec.Platforms = append(rec.Platforms, strings.TrimSpace(p))
		}
	}
	doc.Find(selGenre).Each(func(_ int, s *goquery.Selection) {
		if g := strings.TrimSpace(s.Text()); g != "" {
			rec.Categories = append(rec.Categories, g)
		}
	})
	rec.SetPrice("us", priceOf(doc))
	return rec, nil
}

// FetchRegionPrice 访问本地化的 concept 页面读取最终价格。
func (a *Adapter) FetchRegionPrice(ctx context.Context, sess *session.Session, c source.Candidate, region source.Region) (string, error) {
	doc, err := sess.GetDocument(ctx, BaseURL+strings.Replace(c.URL, "en-us", region.Locale, 1))
	if err != nil {
		return "", err
	}
	return priceOf(doc), nil
}

func priceOf(doc *goquery.Document) string {
	return source.TextOr(text(doc.Find(selFinalPrice)), types.PriceNotAvailable)
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.First().Text())
}
