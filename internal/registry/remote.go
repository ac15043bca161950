package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/appletforge/appletforge/internal/shared/types"
)

// RemoteResolver fetches absent asset content from an external HTTP
// content source laid out as <base>/<applet-id>/<asset-name>.
type RemoteResolver struct {
	client *resty.Client
	base   string
}

// NewRemoteResolver creates a resolver against baseURL with retries and
// a request timeout suitable for install-time fetches.
func NewRemoteResolver(baseURL string) *RemoteResolver {
	client := resty.New().
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetTimeout(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &RemoteResolver{
		client: client,
		base:   strings.TrimSuffix(baseURL, "/"),
	}
}

// Resolve implements ContentResolver.
func (r *RemoteResolver) Resolve(asset *types.AppletAsset) (types.AssetContent, error) {
	url := fmt.Sprintf("%s/%s/%s", r.base, asset.Owner(), asset.Name)
	resp, err := r.client.R().Get(url)
	if err != nil {
		return types.AssetContent{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.IsError() {
		return types.AssetContent{}, fmt.Errorf("fetch %s: status %s", url, resp.Status())
	}

	var content types.AssetContent
	contentType := resp.Header().Get("Content-Type")
	if strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "javascript") {
		content.SetText(string(resp.Body()))
		return content, nil
	}
	if err := content.SetBinary(resp.Body()); err != nil {
		return types.AssetContent{}, err
	}
	return content, nil
}
