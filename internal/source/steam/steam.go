package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/proxypool/session"
)

const Name = "steam"

var (
	AppListURL    = "https://api.steampowered.com/ISteamApps/GetAppList/v2/"
	AppDetailsURL = "https://store.steampowered.com/api/appdetails"
)

var defaultRegions = []string{
	"us", "gb", "eu", "jp", "in", "br", "au", "ca", "ru", "cn", "kr", "mx",
	"za", "ar", "tr", "id", "sg", "ph", "th", "my", "nz", "sa", "ae",
}

// Adapter 通过 Steam 的公开 JSON 接口抽取条目。它不持有外部资源。
type Adapter struct{}

func New(source.Env) source.Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Regions() []source.Region { return source.ParseRegions(defaultRegions) }

func (a *Adapter) Headers() http.Header { return nil }

type appListResponse struct {
	AppList struct {
		Apps []struct {
			AppID int    `json:"appid"`
			Name  string `json:"name"`
		} `json:"apps"`
	} `json:"applist"`
}

// ListCandidates 拉取完整的应用列表。
func (a *Adapter) ListCandidates(ctx context.Context, lc source.ListContext) ([]source.Candidate, error) {
	sess, err := lc.Sessions.Next()
	if err != nil {
		return nil, err
	}
	var resp appListResponse
	if err := sess.GetJSON(ctx, AppListURL, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch steam app list: %w", err)
	}

	out := make([]source.Candidate, 0, len(resp.AppList.Apps))
	for _, app := range resp.AppList.Apps {
		out = append(out, source.Candidate{
			ID:    strconv.Itoa(app.AppID),
			Title: app.Name,
		})
	}
	return out, nil
}

type appDetails struct {
	Success bool `json:"success"`
	Data    struct {
		Name                string   `json:"name"`
		ShortDescription    string   `json:"short_description"`
		DetailedDescription string   `json:"detailed_description"`
		HeaderImage         string   `json:"header_image"`
		Publishers          []string `json:"publishers"`
		Categories          []struct {
			Description string `json:"description"`
		} `json:"categories"`
		Screenshots []struct {
			PathFull string `json:"path_full"`
		} `json:"screenshots"`
		Metacritic *struct {
			Score int `json:"score"`
		} `json:"metacritic"`
		Platforms   map[string]bool `json:"platforms"`
		ReleaseDate struct {
			Date string `json:"date"`
		} `json:"release_date"`
		PriceOverview *struct {
			FinalFormatted *string `json:"final_formatted"`
		} `json:"price_overview"`
	} `json:"data"`
}

func (a *Adapter) details(ctx context.Context, sess *session.Session, appID, cc string) (*appDetails, error) {
	q := url.Values{"appids": {appID}, "l": {"en"}}
	if cc != "" {
		q.Set("cc", cc)
	}
	var resp map[string]json.RawMessage
	if err := sess.GetJSON(ctx, AppDetailsURL+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	raw, ok := resp[appID]
	if !ok {
		return nil, fmt.Errorf("%w: app %s missing from response", source.ErrNotFound, appID)
	}
	// success=false 时 data 可能是空数组，先只看 success
	var head struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrParse, err)
	}
	if !head.Success {
		return nil, fmt.Errorf("%w: app %s details not available", source.ErrNotFound, appID)
	}
	var d appDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrParse, err)
	}
	return &d, nil
}

func (a *Adapter) ExtractItem(ctx context.Context, sess *session.Session, c source.Candidate) (*types.Record, error) {
	d, err := a.details(ctx, sess, c.ID, "")
	if err != nil {
		return nil, err
	}
	g := d.Data

	rec := &types.Record{
		Title:            source.TextOr(g.Name, "N/A"),
		ShortDescription: source.TextOr(g.ShortDescription, "N/A"),
		FullDescription:  source.TextOr(g.DetailedDescription, "N/A"),
		HeaderImage:      source.TextOr(g.HeaderImage, "N/A"),
		Publisher:        strings.Join(g.Publishers, ", "),
		ReleaseDate:      source.TextOr(g.ReleaseDate.Date, "N/A"),
		Rating:           "N/A",
	}
	if g.Metacritic != nil {
		rec.Rating = strconv.Itoa(g.Metacritic.Score)
	}
	for _, cat := range g.Categories {
		rec.Categories = append(rec.Categories, cat.Description)
	}
	for _, s := range g.Screenshots {
		rec.Screenshots = append(rec.Screenshots, s.PathFull)
	}
	for _, p := range []string{"windows", "mac", "linux"} {
		if g.Platforms[p] {
			rec.Platforms = append(rec.Platforms, p)
		}
	}
	return rec, nil
}

// FetchRegionPrice 使用 cc 参数查询区域价格。没有 price_overview 时为 "Not Available"，
// 有 price_overview 但没有最终价格时为 "Free or Not Available"。
func (a *Adapter) FetchRegionPrice(ctx context.Context, sess *session.Session, c source.Candidate, region source.Region) (string, error) {
	d, err := a.details(ctx, sess, c.ID, region.Locale)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return types.PriceNotAvailable, nil
		}
		return "", err
	}
	po := d.Data.PriceOverview
	if po == nil {
		return types.PriceNotAvailable, nil
	}
	if po.FinalFormatted == nil || *po.FinalFormatted == "" {
		return types.PriceFreeNotAvailable, nil
	}
	return *po.FinalFormatted, nil
}
