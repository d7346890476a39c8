package steam

import (
	"context"
	"net/http"
	"net/http/httptest"
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
	s, err := session.New(nil, session.Options{Retries: 1})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// fakeSteam 模拟 GetAppList 与 appdetails 两个接口
func fakeSteam(t *testing.T) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/applist", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"applist":{"apps":[{"appid":10,"name":"Counter-Strike"},{"appid":20,"name":"Team Fortress Classic"}]}}`))
	})
	mux.HandleFunc("/appdetails", func(w http.ResponseWriter, r *http.Request) {
		id, cc := r.URL.Query().Get("appids"), r.URL.Query().Get("cc")
		switch {
		case id == "404":
			_, _ = w.Write([]byte(`{"404":{"success":false,"data":[]}}`))
		case id == "10" && cc == "":
			_, _ = w.Write([]byte(`{"10":{"success":true,"data":{
				"name":"Counter-Strike","short_description":"Play the world's number 1 online action game.",
				"detailed_description":"<p>Full</p>","header_image":"https://cdn.example/10.jpg",
				"publishers":["Valve"],"categories":[{"description":"Multi-player"},{"description":"PvP"}],
				"screenshots":[{"path_full":"https://cdn.example/s1.jpg"}],
				"metacritic":{"score":88},"platforms":{"windows":true,"mac":true,"linux":false},
				"release_date":{"date":"1 Nov, 2000"}}}}`))
		case id == "10" && cc == "gb":
			_, _ = w.Write([]byte(`{"10":{"success":true,"data":{"price_overview":{"final_formatted":"£7.19"}}}}`))
		case id == "10" && cc == "br":
			_, _ = w.Write([]byte(`{"10":{"success":true,"data":{"price_overview":{"final_formatted":""}}}}`))
		case id == "10":
			_, _ = w.Write([]byte(`{"10":{"success":true,"data":{"name":"Counter-Strike"}}}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	oldList, oldDetails := AppListURL, AppDetailsURL
	AppListURL, AppDetailsURL = srv.URL+"/applist", srv.URL+"/appdetails"
	t.Cleanup(func() { AppListURL, AppDetailsURL = oldList, oldDetails })
}

func TestListCandidates(t *testing.T) {
	fakeSteam(t)
	a := New(source.Env{})

	got, err := a.ListCandidates(context.Background(), source.ListContext{Sessions: directSessions{newSession(t)}})
	require.NoError(t, err)
	assert.Equal(t, []source.Candidate{
		{ID: "10", Title: "Counter-Strike"},
		{ID: "20", Title: "Team Fortress Classic"},
	}, got)
}

func TestExtractItem(t *testing.T) {
	fakeSteam(t)
	a := New(source.Env{})

	rec, err := a.ExtractItem(context.Background(), newSession(t), source.Candidate{ID: "10"})
	require.NoError(t, err)
	assert.Equal(t, "Counter-Strike", rec.Title)
	assert.Equal(t, "88", rec.Rating)
	assert.Equal(t, "Valve", rec.Publisher)
	assert.Equal(t, []string{"Multi-player", "PvP"}, rec.Categories)
	assert.Equal(t, []string{"windows", "mac"}, rec.Platforms)
	assert.Equal(t, "1 Nov, 2000", rec.ReleaseDate)
}

func TestExtractItemUnavailableApp(t *testing.T) {
	fakeSteam(t)
	_, err := New(source.Env{}).ExtractItem(context.Background(), newSession(t), source.Candidate{ID: "404"})
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestFetchRegionPrice(t *testing.T) {
	fakeSteam(t)
	a := New(source.Env{})
	sess := newSession(t)
	c := source.Candidate{ID: "10"}

	tests := []struct {
		region string
		want   string
	}{
		{"gb", "£7.19"},
		{"br", types.PriceFreeNotAvailable},
		{"jp", types.PriceNotAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			got, err := a.FetchRegionPrice(context.Background(), sess, c, source.ParseRegion(tt.region))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := a.FetchRegionPrice(context.Background(), sess, source.Candidate{ID: "404"}, source.ParseRegion("gb"))
	require.NoError(t, err)
	assert.Equal(t, types.PriceNotAvailable, got)
}

func TestFetchRegionPriceBlocked(t *testing.T) {
	fakeSteam(t)
	_, err := New(source.Env{}).FetchRegionPrice(context.Background(), newSession(t), source.Candidate{ID: "30"}, source.ParseRegion("gb"))
	assert.ErrorIs(t, err, source.ErrBlocked)
}
