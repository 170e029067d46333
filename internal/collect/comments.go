package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/pkg/ytdlp"
)

const watchPageUA = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// innertubeClientVersion is sent in the web client context. YouTube accepts
// stale versions for a long time but this needs bumping eventually.
const innertubeClientVersion = "2.20250801.01.00"

// maxBodyBytes bounds how much of a watch page or API response is read.
const maxBodyBytes = 20 << 20

// WebCommentsProvider scrapes comments the way the watch page does: fetch
// the page for an API key and continuation token, then walk the innertube
// continuation endpoint.
type WebCommentsProvider struct {
	hc          *http.Client
	sort        model.SortMode
	maxComments int
	baseURL     string
	emptyStreak int
}

// NewWebCommentsProvider creates the watch-page comments provider. A nil
// client falls back to a default with a 30s timeout.
func NewWebCommentsProvider(hc *http.Client, sort model.SortMode, maxComments int) *WebCommentsProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebCommentsProvider{
		hc:          hc,
		sort:        sort,
		maxComments: maxComments,
		baseURL:     "https://www.youtube.com",
	}
}

// WithBaseURL overrides the site root, for tests.
func (p *WebCommentsProvider) WithBaseURL(u string) *WebCommentsProvider {
	p.baseURL = strings.TrimSuffix(u, "/")
	return p
}

func (p *WebCommentsProvider) Name() string { return "web" }

func (p *WebCommentsProvider) Supports(model.Unit) bool { return true }

func (p *WebCommentsProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	page, err := fetchWatchPage(ctx, p.hc, p.baseURL, unit.VideoID)
	if err != nil {
		return nil, err
	}

	apiKey := extractInnertubeKey(page)
	token := extractCommentsToken(page, p.sort)
	if apiKey == "" || token == "" {
		p.emptyStreak++
		if blocked, kind := guard.DetectBlock(http.StatusOK, page, p.emptyStreak); blocked {
			return nil, &BlockError{Kind: kind}
		}
		return nil, eris.Errorf("collect: no comments continuation on watch page for %s", unit.VideoID)
	}

	var comments []model.Comment
	for token != "" {
		batch, next, err := p.fetchContinuation(ctx, apiKey, token, unit.VideoID)
		if err != nil {
			return nil, err
		}
		comments = append(comments, batch...)
		if p.maxComments > 0 && len(comments) >= p.maxComments {
			comments = comments[:p.maxComments]
			break
		}
		token = next
	}

	if len(comments) == 0 {
		p.emptyStreak++
		if blocked, kind := guard.DetectBlock(http.StatusOK, "", p.emptyStreak); blocked {
			return nil, &BlockError{Kind: kind}
		}
	} else {
		p.emptyStreak = 0
	}

	return &Result{Comments: comments}, nil
}

// innertube continuation response, reduced to the paths we read. Comments
// arrive as entity payload mutations; the next page token sits in a
// continuationItemRenderer.
type innertubeNextResponse struct {
	FrameworkUpdates struct {
		EntityBatchUpdate struct {
			Mutations []struct {
				Payload struct {
					CommentEntityPayload *struct {
						Properties struct {
							CommentID string `json:"commentId"`
							Content   struct {
								Content string `json:"content"`
							} `json:"content"`
							PublishedTime string `json:"publishedTime"`
						} `json:"properties"`
						Author struct {
							DisplayName string `json:"displayName"`
						} `json:"author"`
						Toolbar struct {
							LikeCountNotliked string `json:"likeCountNotliked"`
							ReplyCount        string `json:"replyCount"`
						} `json:"toolbar"`
					} `json:"commentEntityPayload"`
				} `json:"payload"`
			} `json:"mutations"`
		} `json:"entityBatchUpdate"`
	} `json:"frameworkUpdates"`
}

var nextTokenRe = regexp.MustCompile(`(?s)"continuationItemRenderer":\{"trigger":"CONTINUATION_TRIGGER_ON_ITEM_SHOWN".{0,200}?"token":"([^"]+)"`)

func (p *WebCommentsProvider) fetchContinuation(ctx context.Context, apiKey, token, videoID string) ([]model.Comment, string, error) {
	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": innertubeClientVersion,
				"hl":            "en",
				"gl":            "US",
			},
		},
		"continuation": token,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", eris.Wrap(err, "collect: marshal innertube request")
	}

	u := p.baseURL + "/youtubei/v1/next?key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return nil, "", eris.Wrap(err, "collect: build innertube request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", watchPageUA)

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, "", eris.Wrap(err, "collect: innertube request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", eris.Wrap(err, "collect: read innertube response")
	}
	if blocked, kind := guard.DetectBlock(resp.StatusCode, string(raw), 0); blocked {
		return nil, "", &BlockError{Kind: kind, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", eris.Errorf("collect: innertube status %d", resp.StatusCode)
	}

	var decoded innertubeNextResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, "", eris.Wrap(err, "collect: parse innertube response")
	}

	var comments []model.Comment
	for _, m := range decoded.FrameworkUpdates.EntityBatchUpdate.Mutations {
		cp := m.Payload.CommentEntityPayload
		if cp == nil || cp.Properties.CommentID == "" {
			continue
		}
		comments = append(comments, model.Comment{
			VideoID:    videoID,
			CommentID:  cp.Properties.CommentID,
			Author:     cp.Author.DisplayName,
			Text:       cp.Properties.Content.Content,
			LikeCount:  parseCompactCount(cp.Toolbar.LikeCountNotliked),
			ReplyCount: parseCompactCount(cp.Toolbar.ReplyCount),
			SortMode:   p.sort,
		})
	}

	next := ""
	if m := nextTokenRe.FindSubmatch(raw); m != nil {
		next = string(m[1])
	}
	return comments, next, nil
}

func fetchWatchPage(ctx context.Context, hc *http.Client, baseURL, videoID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/watch?v="+url.QueryEscape(videoID), nil)
	if err != nil {
		return "", eris.Wrap(err, "collect: build watch page request")
	}
	req.Header.Set("User-Agent", watchPageUA)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Skips the EU consent interstitial.
	req.AddCookie(&http.Cookie{Name: "CONSENT", Value: "YES+1"})

	resp, err := hc.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "collect: fetch watch page")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "collect: read watch page")
	}
	body := string(raw)
	if blocked, kind := guard.DetectBlock(resp.StatusCode, body, 0); blocked {
		return "", &BlockError{Kind: kind, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("collect: watch page status %d", resp.StatusCode)
	}
	return body, nil
}

var innertubeKeyRe = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)

func extractInnertubeKey(page string) string {
	if m := innertubeKeyRe.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

// Go's regexp caps counted repeats at 1000, so the token regexes match a
// bounded window and the callers locate the anchor markers first.
var continuationTokenRe = regexp.MustCompile(`(?s)"continuationCommand":\{"token":"([^"]+)"`)

const tokenSearchWindow = 4000

// windowAfter returns up to n bytes of page following the first occurrence
// of marker, or "" when the marker is absent.
func windowAfter(page, marker string, n int) string {
	i := strings.Index(page, marker)
	if i < 0 {
		return ""
	}
	rest := page[i:]
	if len(rest) > n {
		rest = rest[:n]
	}
	return rest
}

// extractCommentsToken pulls the comments-section continuation token out of
// the initial page data. The watch page embeds two sort variants (Top,
// Newest) as sub-menu tokens; when both are present the requested sort is
// picked by position.
func extractCommentsToken(page string, sort model.SortMode) string {
	if sub := windowAfter(page, `"sortFilterSubMenuRenderer"`, 2*tokenSearchWindow); sub != "" {
		if m := continuationTokenRe.FindAllStringSubmatch(sub, 2); len(m) == 2 {
			if sort == model.SortNewest {
				return m[1][1]
			}
			return m[0][1]
		}
	}
	if sub := windowAfter(page, `"itemSectionRenderer"`, tokenSearchWindow); sub != "" {
		if m := continuationTokenRe.FindStringSubmatch(sub); m != nil {
			return m[1]
		}
	}
	return ""
}

// parseCompactCount reads counts as the UI renders them ("1.2K", "3M",
// "847"). Unparseable input yields 0.
func parseCompactCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "B"):
		mult, s = 1e9, strings.TrimSuffix(s, "B")
	}
	var f float64
	if _, err := fmt.Sscanf(strings.ReplaceAll(s, ",", ""), "%g", &f); err != nil {
		return 0
	}
	return int(f * mult)
}

// YtdlpCommentsProvider dumps comments through the yt-dlp extractor.
type YtdlpCommentsProvider struct {
	yt          *ytdlp.Client
	sort        model.SortMode
	maxComments int
}

// NewYtdlpCommentsProvider creates the yt-dlp comments provider.
func NewYtdlpCommentsProvider(yt *ytdlp.Client, sort model.SortMode, maxComments int) *YtdlpCommentsProvider {
	return &YtdlpCommentsProvider{yt: yt, sort: sort, maxComments: maxComments}
}

func (p *YtdlpCommentsProvider) Name() string { return "ytdlp" }

func (p *YtdlpCommentsProvider) Supports(model.Unit) bool { return true }

func (p *YtdlpCommentsProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	sort := "top"
	if p.sort == model.SortNewest {
		sort = "new"
	}
	raw, err := p.yt.Comments(ctx, model.WatchURL(unit.VideoID), p.maxComments, sort)
	if err != nil {
		if blocked, kind := guard.DetectBlock(0, err.Error(), 0); blocked {
			return nil, &BlockError{Kind: kind}
		}
		return nil, eris.Wrapf(err, "collect: yt-dlp comments for %s", unit.VideoID)
	}

	comments := make([]model.Comment, 0, len(raw))
	for _, rc := range raw {
		parent := rc.Parent
		if parent == "root" {
			parent = ""
		}
		c := model.Comment{
			VideoID:   unit.VideoID,
			CommentID: rc.ID,
			ParentID:  parent,
			Author:    rc.Author,
			Text:      rc.Text,
			LikeCount: rc.LikeCount,
			SortMode:  p.sort,
		}
		if rc.Timestamp > 0 {
			c.PublishedAt = time.Unix(int64(rc.Timestamp), 0).UTC()
		}
		comments = append(comments, c)
	}
	return &Result{Comments: comments}, nil
}

// APICommentsProvider reads comment threads through the YouTube Data API.
// It only participates when an API key is configured.
type APICommentsProvider struct {
	hc          *http.Client
	apiKey      string
	sort        model.SortMode
	maxComments int
	baseURL     string
}

// NewAPICommentsProvider creates the Data API comments provider.
func NewAPICommentsProvider(hc *http.Client, apiKey string, sort model.SortMode, maxComments int) *APICommentsProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &APICommentsProvider{
		hc:          hc,
		apiKey:      apiKey,
		sort:        sort,
		maxComments: maxComments,
		baseURL:     "https://www.googleapis.com/youtube/v3",
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (p *APICommentsProvider) WithBaseURL(u string) *APICommentsProvider {
	p.baseURL = strings.TrimSuffix(u, "/")
	return p
}

func (p *APICommentsProvider) Name() string { return "dataapi" }

func (p *APICommentsProvider) Supports(model.Unit) bool { return p.apiKey != "" }

type commentThreadsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			TopLevelComment apiComment `json:"topLevelComment"`
			TotalReplyCount int        `json:"totalReplyCount"`
		} `json:"snippet"`
		Replies struct {
			Comments []apiComment `json:"comments"`
		} `json:"replies"`
	} `json:"items"`
}

type apiComment struct {
	ID      string `json:"id"`
	Snippet struct {
		AuthorDisplayName string    `json:"authorDisplayName"`
		TextOriginal      string    `json:"textOriginal"`
		LikeCount         int       `json:"likeCount"`
		PublishedAt       time.Time `json:"publishedAt"`
		ParentID          string    `json:"parentId"`
	} `json:"snippet"`
}

func (p *APICommentsProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	order := "relevance"
	if p.sort == model.SortNewest {
		order = "time"
	}

	var comments []model.Comment
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("part", "snippet,replies")
		q.Set("videoId", unit.VideoID)
		q.Set("order", order)
		q.Set("maxResults", "100")
		q.Set("textFormat", "plainText")
		q.Set("key", p.apiKey)
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			p.baseURL+"/commentThreads?"+q.Encode(), nil)
		if err != nil {
			return nil, eris.Wrap(err, "collect: build commentThreads request")
		}

		resp, err := p.hc.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "collect: commentThreads request")
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "collect: read commentThreads response")
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			// 403 is how the Data API reports an exhausted quota.
			return nil, &BlockError{Kind: guard.DetectRateLimited, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("collect: commentThreads status %d", resp.StatusCode)
		}

		var decoded commentThreadsResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, eris.Wrap(err, "collect: parse commentThreads response")
		}

		for _, item := range decoded.Items {
			top := item.Snippet.TopLevelComment
			comments = append(comments, model.Comment{
				VideoID:     unit.VideoID,
				CommentID:   top.ID,
				Author:      top.Snippet.AuthorDisplayName,
				Text:        top.Snippet.TextOriginal,
				LikeCount:   top.Snippet.LikeCount,
				ReplyCount:  item.Snippet.TotalReplyCount,
				PublishedAt: top.Snippet.PublishedAt,
				SortMode:    p.sort,
			})
			for _, reply := range item.Replies.Comments {
				comments = append(comments, model.Comment{
					VideoID:     unit.VideoID,
					CommentID:   reply.ID,
					ParentID:    reply.Snippet.ParentID,
					Author:      reply.Snippet.AuthorDisplayName,
					Text:        reply.Snippet.TextOriginal,
					LikeCount:   reply.Snippet.LikeCount,
					PublishedAt: reply.Snippet.PublishedAt,
					SortMode:    p.sort,
				})
			}
		}

		if decoded.NextPageToken == "" {
			break
		}
		if p.maxComments > 0 && len(comments) >= p.maxComments {
			break
		}
		pageToken = decoded.NextPageToken
	}

	zap.L().Debug("collect: data api comments fetched",
		zap.String("video", unit.VideoID),
		zap.Int("count", len(comments)),
	)
	return &Result{Comments: comments}, nil
}
