package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"agrisync/models"
)

// Client talks to the sync hub's mutation and read API. All methods honor
// the passed context deadline; the synchronizers set one per mutation so a
// hung request reverts instead of pinning optimistic state forever.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

// FeedQuery filters and paginates the post feed.
type FeedQuery struct {
	Crop     string
	Tag      string
	Page     int
	PageSize int
}

func (c *Client) FetchFeed(ctx context.Context, q FeedQuery) ([]*models.Post, error) {
	vals := url.Values{}
	if q.Crop != "" {
		vals.Set("crop", q.Crop)
	}
	if q.Tag != "" {
		vals.Set("tag", q.Tag)
	}
	if q.Page > 0 {
		vals.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		vals.Set("page_size", strconv.Itoa(q.PageSize))
	}

	var resp models.ListResponse[*models.Post]
	if err := c.do(ctx, http.MethodGet, "/api/v1/posts?"+vals.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) CreatePost(ctx context.Context, req models.CreatePostRequest) (*models.Post, error) {
	var post models.Post
	if err := c.do(ctx, http.MethodPost, "/api/v1/posts", req, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) CreateComment(ctx context.Context, postID string, req models.CreateCommentRequest) (*models.Comment, error) {
	var comment models.Comment
	if err := c.do(ctx, http.MethodPost, "/api/v1/posts/"+postID+"/comments", req, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) ToggleReaction(ctx context.Context, postID string, kind models.ReactionKind) (*models.ToggleResponse, error) {
	var resp models.ToggleResponse
	req := models.ToggleReactionRequest{Kind: kind}
	if err := c.do(ctx, http.MethodPost, "/api/v1/posts/"+postID+"/reactions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ToggleSave(ctx context.Context, postID string) (*models.ToggleResponse, error) {
	var resp models.ToggleResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/posts/"+postID+"/save", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchMyReactions returns the current user's active reactions, used to
// seed reaction membership on refresh.
func (c *Client) FetchMyReactions(ctx context.Context) ([]*models.Reaction, error) {
	var resp models.ListResponse[*models.Reaction]
	if err := c.do(ctx, http.MethodGet, "/api/v1/me/reactions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FetchSaved returns the current user's bookmarks.
func (c *Client) FetchSaved(ctx context.Context) ([]*models.SavedPost, error) {
	var resp models.ListResponse[*models.SavedPost]
	if err := c.do(ctx, http.MethodGet, "/api/v1/me/saved", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) FetchExperts(ctx context.Context) ([]*models.Expert, error) {
	var resp models.ListResponse[*models.Expert]
	if err := c.do(ctx, http.MethodGet, "/api/v1/experts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) ToggleFollow(ctx context.Context, expertID string) (*models.FollowResponse, error) {
	var resp models.FollowResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/experts/"+expertID+"/follow", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchFollowing returns the current user's follow edges.
func (c *Client) FetchFollowing(ctx context.Context) ([]*models.Follow, error) {
	var resp models.ListResponse[*models.Follow]
	if err := c.do(ctx, http.MethodGet, "/api/v1/me/follows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) FetchNotifications(ctx context.Context) ([]*models.Notification, error) {
	var resp models.ListResponse[*models.Notification]
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	var n models.Notification
	if err := c.do(ctx, http.MethodPut, "/api/v1/notifications/"+id+"/read", nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) Heartbeat(ctx context.Context, status models.PresenceStatus, device string) error {
	req := models.HeartbeatRequest{Status: status, Device: device}
	return c.do(ctx, http.MethodPost, "/api/v1/presence/heartbeat", req, nil)
}

func (c *Client) GoOffline(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/presence/offline", nil, nil)
}

func (c *Client) FetchPresence(ctx context.Context, userID string) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/presence/status?user_id="+url.QueryEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewBuffer(data)
	} else {
		buf = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			return fmt.Errorf("%s", body.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
