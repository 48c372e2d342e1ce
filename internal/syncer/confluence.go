// Package syncer mirrors allow-listed documentation spaces into a local
// directory the sandbox can read. The mirror is the only path by which
// external documentation reaches an agent: the Confluence credential
// stays host-side and never enters a container.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Page is one remote document in a space.
type Page struct {
	ID      string
	SpaceID string
	Title   string
	Version int
	Body    string // storage-format HTML
	Updated time.Time
	WebURL  string
}

// Source lists and fetches pages. The Confluence client in production,
// a fake in tests.
type Source interface {
	// Spaces resolves space keys to ids.
	Spaces(ctx context.Context, keys []string) (map[string]string, error)
	// Pages lists every current page in a space.
	Pages(ctx context.Context, spaceID string) ([]Page, error)
}

// ConfluenceSource talks to the Confluence Cloud v2 REST API with basic
// auth (email + API token).
type ConfluenceSource struct {
	BaseURL string
	Email   string
	Token   string
	Client  *http.Client
}

// NewConfluenceSource builds a source for the given site.
func NewConfluenceSource(baseURL, email, token string) *ConfluenceSource {
	return &ConfluenceSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Email:   email,
		Token:   token,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type confluenceSpace struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type confluencePage struct {
	ID      string `json:"id"`
	SpaceID string `json:"spaceId"`
	Title   string `json:"title"`
	Version struct {
		Number    int       `json:"number"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type confluenceList[T any] struct {
	Results []T `json:"results"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

// Spaces resolves the allow-listed keys. Unknown keys are skipped, not
// errors: a renamed space should not wedge the whole sync.
func (c *ConfluenceSource) Spaces(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	q := url.Values{"keys": {strings.Join(keys, ",")}, "limit": {"100"}}
	var list confluenceList[confluenceSpace]
	if err := c.get(ctx, "/wiki/api/v2/spaces?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list.Results))
	for _, s := range list.Results {
		out[s.Key] = s.ID
	}
	return out, nil
}

// Pages lists all current pages of a space, following pagination.
func (c *ConfluenceSource) Pages(ctx context.Context, spaceID string) ([]Page, error) {
	path := fmt.Sprintf("/wiki/api/v2/spaces/%s/pages?body-format=storage&limit=100", url.PathEscape(spaceID))
	var pages []Page
	for path != "" {
		var list confluenceList[confluencePage]
		if err := c.get(ctx, path, &list); err != nil {
			return nil, err
		}
		for _, p := range list.Results {
			pages = append(pages, Page{
				ID:      p.ID,
				SpaceID: p.SpaceID,
				Title:   p.Title,
				Version: p.Version.Number,
				Body:    p.Body.Storage.Value,
				Updated: p.Version.CreatedAt,
				WebURL:  c.BaseURL + "/wiki" + p.Links.WebUI,
			})
		}
		path = list.Links.Next
	}
	return pages, nil
}

func (c *ConfluenceSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.Email, c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("confluence request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("confluence %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
